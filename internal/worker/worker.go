package worker

import (
	"context"

	"flowintake/internal/interview"
	"flowintake/internal/models"
)

type JobType int

const (
	Init JobType = iota
	Turn
	Stop
)

func (t JobType) String() string {
	switch t {
	case Init:
		return "init"
	case Turn:
		return "turn"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// InitRequest resumes (or warms) a session: load it with its
// transcript, persisting the opening message if the session is empty.
type InitRequest struct {
	Context       context.Context
	FacilitatorID int64
	SessionID     int64
}

// TurnRequest carries one user message through the interview loop.
// TurnID tags the request so stale results are discarded, never shown.
type TurnRequest struct {
	Context       context.Context
	FacilitatorID int64
	SessionID     int64
	TurnID        string
	Text          string
}

type initResult struct {
	session    *models.Session
	transcript []*models.Message
	err        error
}

type turnResult struct {
	turn *interview.TurnResult
	err  error
}

type initTask struct {
	req      InitRequest
	resultCh chan initResult
}

type turnTask struct {
	req      TurnRequest
	resultCh chan turnResult
}

// Job is the unit handed from the dispatcher to a pool worker. done is
// set by the dispatcher so the session's queue re-arms only after the
// job finished, keeping turns for one session strictly serialized.
type Job struct {
	Type     JobType
	InitTask *initTask
	TurnTask *turnTask
	done     func()
}

func (job Job) sessionID() int64 {
	switch job.Type {
	case Init:
		return job.InitTask.req.SessionID
	case Turn:
		return job.TurnTask.req.SessionID
	}
	return 0
}

// fail completes the job's result channel without running it, so a
// caller parked on the channel always gets an answer.
func (job Job) fail(err error) {
	switch job.Type {
	case Init:
		job.InitTask.resultCh <- initResult{err: err}
	case Turn:
		job.TurnTask.resultCh <- turnResult{err: err}
	}
}

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.manager.handle(job)
			if job.done != nil {
				job.done()
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
