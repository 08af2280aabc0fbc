package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowintake/internal/interview"
	"flowintake/internal/models"
)

// ErrDispatcherBusy is returned when the intake queue is full; callers
// translate it into a retry-later response instead of blocking.
var ErrDispatcherBusy = errors.New("worker queue full")

type sessionQueue struct {
	jobs     []Job
	enqueued bool
	running  bool
}

// Dispatcher fans jobs out to the pool while keeping two invariants:
// sessions take turns in LRU order so one chatty session cannot starve
// the rest, and at most one job per session runs at a time so a
// session's turns apply strictly in order.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*sessionQueue
	ready     *list.List // LRU queue storing session IDs
	positions map[int64]*list.Element
	wake      chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)

	d := &Dispatcher{
		queues:    make(map[int64]*sessionQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		wake:      make(chan struct{}, 1),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Resume loads a session with its transcript through the worker loop,
// persisting the opening message when the session is empty.
func (d *Dispatcher) Resume(req InitRequest) (*models.Session, []*models.Message, error) {
	task := &initTask{req: req, resultCh: make(chan initResult, 1)}
	if err := d.submit(Job{Type: Init, InitTask: task}); err != nil {
		return nil, nil, err
	}
	if req.Context != nil {
		select {
		case ret := <-task.resultCh:
			return ret.session, ret.transcript, ret.err
		case <-req.Context.Done():
			return nil, nil, req.Context.Err()
		}
	}
	ret := <-task.resultCh
	return ret.session, ret.transcript, ret.err
}

// Turn runs one user message through the interview loop. The returned
// TurnResult carries the request's TurnID back so callers can pair
// responses with requests.
func (d *Dispatcher) Turn(req TurnRequest) (*interview.TurnResult, error) {
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	task := &turnTask{req: req, resultCh: make(chan turnResult, 1)}
	if err := d.submit(Job{Type: Turn, TurnTask: task}); err != nil {
		return nil, err
	}
	// resultCh is buffered, so the worker never blocks on a caller
	// that gave up.
	if req.Context != nil {
		select {
		case ret := <-task.resultCh:
			return ret.turn, ret.err
		case <-req.Context.Done():
			return nil, req.Context.Err()
		}
	}
	ret := <-task.resultCh
	return ret.turn, ret.err
}

func (d *Dispatcher) submit(job Job) error {
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // nothing dispatchable, block
				d.enqueueJob(job)
			case <-d.wake: // a running session finished a job
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

// Purge cancels queued work and drops all cached state for the
// session across replicas. Used when the session is deleted.
func (d *Dispatcher) Purge(facilitatorID, sessionID int64) {
	d.CancelSession(sessionID)
	d.Manager.Purge(facilitatorID, sessionID)
}

// CancelSession fails any queued jobs for the session so their callers
// unblock. A job already running on a worker is left to finish; the
// epoch bump from the purge discards its result.
func (d *Dispatcher) CancelSession(sessionID int64) {
	d.mu.Lock()
	var dropped []Job
	if q, ok := d.queues[sessionID]; ok {
		dropped = q.jobs
		q.jobs = nil
		q.enqueued = false
		if !q.running {
			delete(d.queues, sessionID)
		}
	}
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.fail(ErrStaleTurn)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	sessionID := job.sessionID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[sessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[sessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(sessionID)
	d.positions[sessionID] = elem
}

// dispatchOne picks the least recently served session with a runnable
// job and hands it to a pool worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	sessionID := elem.Value.(int64)
	q := d.queues[sessionID]

	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	// the session leaves the ready list while its job runs; jobDone
	// re-enqueues it if more work is waiting
	q.enqueued = false
	d.ready.Remove(elem)
	delete(d.positions, sessionID)
	d.mu.Unlock()

	job.done = func() { d.jobDone(sessionID) }

	workerChan := d.pool.acquire()
	workerID := d.pool.workerID(workerChan)
	debugLog("[dispatcher] assign %s job for session %d to worker-%d", job.Type, sessionID, workerID)
	workerChan <- job
	return true
}

func (d *Dispatcher) jobDone(sessionID int64) {
	d.mu.Lock()
	q := d.queues[sessionID]
	if q != nil {
		q.running = false
		if len(q.jobs) > 0 && !q.enqueued {
			q.enqueued = true
			elem := d.ready.PushBack(sessionID)
			d.positions[sessionID] = elem
		} else if len(q.jobs) == 0 {
			delete(d.queues, sessionID)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
