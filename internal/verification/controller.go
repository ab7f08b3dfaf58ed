// Package verification tracks citation-by-citation review of a finished
// answer. Verification is a presentation-side walk over the answer's
// citation list; it never re-runs retrieval or generation.
package verification

import (
	"errors"
	"sync"

	"github.com/veracify/veracify/models"
)

var (
	// ErrNotActive is returned when advancing or marking while no
	// verification pass is in progress.
	ErrNotActive = errors.New("verification not active")
	// ErrUnknownAnswer is returned when the answer id has no registered
	// citation list.
	ErrUnknownAnswer = errors.New("unknown answer")
	// ErrNoCitations is returned when starting verification on an answer
	// that cited nothing.
	ErrNoCitations = errors.New("answer has no citations")
)

// State is a snapshot of one answer's verification progress.
type State struct {
	AnswerID     string            `json:"answer_id"`
	Active       bool              `json:"active"`
	CurrentIndex int               `json:"current_index"`
	Citations    []models.Citation `json:"citations"`
	Verified     []int             `json:"verified"`
}

type session struct {
	citations []models.Citation
	active    bool
	current   int
	verified  map[int]bool
}

// maxSessions bounds how many answers the controller remembers. Sessions
// are ephemeral review state, so once the cap is hit the oldest answer is
// forgotten rather than letting the map grow with every question asked.
const maxSessions = 128

// Controller holds verification sessions keyed by answer id. All methods
// are safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*session
	order    []string
}

// NewController builds an empty Controller.
func NewController() *Controller {
	return &Controller{sessions: map[string]*session{}}
}

// Register installs the citation list for a freshly completed answer,
// discarding any verification state a previous answer left behind under the
// same id. Beyond maxSessions the oldest registered answer is evicted.
func (c *Controller) Register(answerID string, citations []models.Citation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[answerID]; !ok {
		c.order = append(c.order, answerID)
		for len(c.order) > maxSessions {
			delete(c.sessions, c.order[0])
			c.order = c.order[1:]
		}
	}
	c.sessions[answerID] = &session{
		citations: append([]models.Citation(nil), citations...),
		verified:  map[int]bool{},
	}
}

// Start begins (or restarts) verification at the first citation.
func (c *Controller) Start(answerID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[answerID]
	if !ok {
		return State{}, ErrUnknownAnswer
	}
	if len(s.citations) == 0 {
		return State{}, ErrNoCitations
	}
	s.active = true
	s.current = 0
	return c.snapshot(answerID, s), nil
}

// Advance moves to the next unverified citation, skipping any already
// marked out of order; when none remain the pass ends.
func (c *Controller) Advance(answerID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[answerID]
	if !ok {
		return State{}, ErrUnknownAnswer
	}
	if !s.active {
		return State{}, ErrNotActive
	}
	s.current++
	for s.current < len(s.citations) && s.verified[s.current+1] {
		s.current++
	}
	if s.current >= len(s.citations) {
		s.active = false
		s.current = 0
	}
	return c.snapshot(answerID, s), nil
}

// MarkVerified flags one citation number as reviewed. Idempotent: marking
// the same number twice is a no-op, not an error. Marking does not advance.
func (c *Controller) MarkVerified(answerID string, number int) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[answerID]
	if !ok {
		return State{}, ErrUnknownAnswer
	}
	if !s.active {
		return State{}, ErrNotActive
	}
	if number >= 1 && number <= len(s.citations) {
		s.verified[number] = true
	}
	return c.snapshot(answerID, s), nil
}

// Stop ends the verification pass, keeping verified marks.
func (c *Controller) Stop(answerID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[answerID]
	if !ok {
		return State{}, ErrUnknownAnswer
	}
	s.active = false
	s.current = 0
	return c.snapshot(answerID, s), nil
}

// Get reports current state without changing it.
func (c *Controller) Get(answerID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[answerID]
	if !ok {
		return State{}, ErrUnknownAnswer
	}
	return c.snapshot(answerID, s), nil
}

func (c *Controller) snapshot(answerID string, s *session) State {
	verified := make([]int, 0, len(s.verified))
	for n := 1; n <= len(s.citations); n++ {
		if s.verified[n] {
			verified = append(verified, n)
		}
	}
	return State{
		AnswerID:     answerID,
		Active:       s.active,
		CurrentIndex: s.current,
		Citations:    append([]models.Citation(nil), s.citations...),
		Verified:     verified,
	}
}
