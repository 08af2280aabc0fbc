package interview

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"flowintake/internal/models"
	"flowintake/internal/store"
)

const titlePrompt = `Write a short title (3 to 6 words, no quotes, no trailing
punctuation) for a business interview based on the interviewee's answers below.
Name the subject of the conversation, not the fact that it is an interview.`

// maxTitleUserMessages caps how late in a session the titler still
// fires; past this point the early exchanges have scrolled away from
// what the session is about anyway.
const maxTitleUserMessages = 5

// titleMaxLen matches the column size the store enforces.
const titleMaxLen = 120

// Titler derives a session title from the early transcript, at most
// once per session per process. CrossLatch, when set, extends the
// once-guarantee across replicas; Notify, when set, is called after the
// title is durably stored.
type Titler struct {
	store *store.Service
	model model.ToolCallingChatModel

	// CrossLatch reports whether this process won the right to title
	// the session. A nil CrossLatch means the local latch decides.
	CrossLatch func(ctx context.Context, sessionID int64) bool
	// Notify broadcasts a stored title change to interested listeners.
	Notify func(sessionID int64, title string)

	latch sync.Map // sessionID -> struct{}
}

func NewTitler(st *store.Service, cm model.ToolCallingChatModel) *Titler {
	return &Titler{store: st, model: cm}
}

// Eligible reports whether the transcript is ripe for titling: at
// least three entries, and no more than maxTitleUserMessages answers.
func Eligible(transcript []*models.Message) bool {
	if len(transcript) < 3 {
		return false
	}
	answers := 0
	for _, m := range transcript {
		if m != nil && m.Role == models.RoleUser {
			answers++
		}
	}
	return answers >= 1 && answers <= maxTitleUserMessages
}

// Derive titles the session if the transcript is eligible and the
// latch has not fired yet. It returns the stored title and true when
// this call actually titled the session. Callers run it off the turn
// path; a failed model call burns the latch rather than retrying,
// matching the at-most-once contract.
func (t *Titler) Derive(ctx context.Context, sessionID int64, transcript []*models.Message) (string, bool) {
	if !Eligible(transcript) {
		return "", false
	}
	if _, fired := t.latch.LoadOrStore(sessionID, struct{}{}); fired {
		return "", false
	}
	if t.CrossLatch != nil && !t.CrossLatch(ctx, sessionID) {
		return "", false
	}

	title, err := t.generate(ctx, transcript)
	if err != nil {
		log.Printf("interview: session %d title derivation failed: %v", sessionID, err)
		return "", false
	}
	if err := t.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		log.Printf("interview: session %d title not stored: %v", sessionID, err)
		return "", false
	}
	if t.Notify != nil {
		t.Notify(sessionID, title)
	}
	return title, true
}

// generate asks the model for a label built from the interviewee's own
// words: the first answers only, never the scripted questions.
func (t *Titler) generate(ctx context.Context, transcript []*models.Message) (string, error) {
	var b strings.Builder
	answers := 0
	for _, m := range transcript {
		if m == nil || m.Role != models.RoleUser {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", m.Content)
		answers++
		if answers == maxTitleUserMessages {
			break
		}
	}
	msgs := []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage(b.String()),
	}
	resp, err := t.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}
	title := sanitizeTitle(resp.Content)
	if title == "" {
		return "", fmt.Errorf("title completion: empty response")
	}
	return title, nil
}

// sanitizeTitle strips the decoration models like to add around short
// answers and clamps the result to the column size.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if len(title) > titleMaxLen {
		title = strings.TrimSpace(title[:titleMaxLen])
	}
	return title
}
