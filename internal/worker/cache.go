package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"flowintake/internal/models"
	"flowintake/internal/redis"
)

const (
	redisInvalidateChannel = "interview:invalidate"
	redisTitleChannel      = "interview:title"
	redisStateTTL          = 30 * time.Minute
	redisTitleLatchTTL     = 24 * time.Hour
)

type invalidateMessage struct {
	FacilitatorID int64 `json:"facilitator_id"`
	SessionID     int64 `json:"session_id"`
}

type titleMessage struct {
	SessionID int64  `json:"session_id"`
	Title     string `json:"title"`
}

type stateCache struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateCache {
	return &stateCache{client: client}
}

// startListener delivers cross-replica invalidations and title changes
// on their pub/sub channels.
func (r *stateCache) startListener(onInvalidate func(invalidateMessage), onTitle func(titleMessage)) {
	if r == nil || r.client == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	go func() {
		ctx := context.Background()
		pubsub := raw.Subscribe(ctx, redisInvalidateChannel, redisTitleChannel)
		for msg := range pubsub.Channel() {
			switch msg.Channel {
			case redisInvalidateChannel:
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					log.Printf("worker invalidation decode failed: %v", err)
					continue
				}
				if onInvalidate != nil {
					onInvalidate(inv)
				}
			case redisTitleChannel:
				var tm titleMessage
				if err := json.Unmarshal([]byte(msg.Payload), &tm); err != nil {
					log.Printf("worker title decode failed: %v", err)
					continue
				}
				if onTitle != nil {
					onTitle(tm)
				}
			}
		}
	}()
}

func (r *stateCache) publishInvalidation(msg invalidateMessage) {
	r.publish(redisInvalidateChannel, msg)
}

func (r *stateCache) publishTitle(sessionID int64, title string) {
	r.publish(redisTitleChannel, titleMessage{SessionID: sessionID, Title: title})
}

func (r *stateCache) publish(channel string, msg any) {
	if r == nil || r.client == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("worker publish marshal failed: %v", err)
		return
	}
	if err := raw.Publish(context.Background(), channel, payload).Err(); err != nil {
		log.Printf("worker publish to %s failed: %v", channel, err)
	}
}

// tryTitleLatch claims the cross-replica right to title a session.
// Without redis every replica keeps its own local latch.
func (r *stateCache) tryTitleLatch(ctx context.Context, sessionID int64) bool {
	if r == nil || r.client == nil {
		return true
	}
	key := fmt.Sprintf("interview:title_latch:%d", sessionID)
	ok, err := r.client.SetNX(ctx, key, "1", redisTitleLatchTTL)
	if err != nil {
		log.Printf("worker title latch failed: %v", err)
		return true
	}
	return ok
}

func (r *stateCache) cacheSession(session *models.Session, transcript []*models.Message) {
	if r == nil || r.client == nil || session == nil || session.ID <= 0 {
		return
	}
	ctx := context.Background()
	data, err := json.Marshal(session)
	if err == nil {
		key := fmt.Sprintf("interview:session:%d", session.ID)
		if err := r.client.Set(ctx, key, data, redisStateTTL); err != nil {
			log.Printf("worker cache session failed: %v", err)
		}
	}
	r.cacheTranscript(session.ID, transcript)
}

func (r *stateCache) cacheTranscript(sessionID int64, transcript []*models.Message) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	ctx := context.Background()
	data, err := json.Marshal(transcript)
	if err != nil {
		log.Printf("worker cache transcript marshal failed: %v", err)
		return
	}
	key := fmt.Sprintf("interview:transcript:%d", sessionID)
	if err := r.client.Set(ctx, key, data, redisStateTTL); err != nil {
		log.Printf("worker cache transcript failed: %v", err)
	}
}

func (r *stateCache) loadSession(facilitatorID, sessionID int64) (*models.Session, []*models.Message, bool) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return nil, nil, false
	}
	ctx := context.Background()
	key := fmt.Sprintf("interview:session:%d", sessionID)
	rawSession, err := r.client.Get(ctx, key)
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("worker load session failed: %v", err)
		}
		return nil, nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(rawSession), &session); err != nil {
		log.Printf("worker decode session failed: %v", err)
		return nil, nil, false
	}
	if session.FacilitatorID != facilitatorID {
		return nil, nil, false
	}

	var transcript []*models.Message
	transcriptKey := fmt.Sprintf("interview:transcript:%d", sessionID)
	rawTranscript, err := r.client.Get(ctx, transcriptKey)
	if err == nil {
		if err := json.Unmarshal([]byte(rawTranscript), &transcript); err != nil {
			log.Printf("worker decode transcript failed: %v", err)
			transcript = nil
		}
	} else if err != redis.ErrCacheMiss {
		log.Printf("worker load transcript failed: %v", err)
	}
	return &session, transcript, true
}

func (r *stateCache) invalidateSession(sessionID int64) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	ctx := context.Background()
	sessionKey := fmt.Sprintf("interview:session:%d", sessionID)
	transcriptKey := fmt.Sprintf("interview:transcript:%d", sessionID)
	if err := r.client.Del(ctx, sessionKey, transcriptKey); err != nil && err != redis.ErrCacheMiss {
		log.Printf("worker invalidate session failed: %v", err)
	}
}
