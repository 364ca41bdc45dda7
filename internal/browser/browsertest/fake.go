// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"sync"

	"github.com/rendis/browseflow/internal/browser"
	"github.com/rendis/browseflow/pkg/schema"
)

// Call is one recorded session operation.
type Call struct {
	Op       string
	Selector schema.SelectorSet
	Arg      string
}

// Session records every call. Element-targeting calls fail with
// ELEMENT_NOT_FOUND when their CSS selector is listed in Missing.
type Session struct {
	mu sync.Mutex

	Text    string
	Obs     browser.Observation
	Missing map[string]bool

	// Before, if set, runs before every operation; a non-nil return fails
	// the operation.
	Before func(ctx context.Context, op string) error

	calls  []Call
	closed bool
}

// NewSession returns a session whose page text is text.
func NewSession(text string) *Session {
	return &Session{Text: text, Missing: map[string]bool{}}
}

// Calls returns a copy of the recorded calls.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Ops returns the recorded operation names in order.
func (s *Session) Ops() []string {
	calls := s.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) record(ctx context.Context, c Call) error {
	if s.Before != nil {
		if err := s.Before(ctx, c.Op); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeActionFailed, c.Op+": "+err.Error()).WithCause(err)
	}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	missing := c.Selector.CSSSelector != "" && s.Missing[c.Selector.CSSSelector]
	s.mu.Unlock()
	if missing {
		return schema.NewErrorf(schema.ErrCodeElementNotFound, "%s %s: element not found", c.Op, c.Selector)
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.record(ctx, Call{Op: "navigate", Arg: url})
}

func (s *Session) Click(ctx context.Context, sel schema.SelectorSet) error {
	return s.record(ctx, Call{Op: "click", Selector: sel})
}

func (s *Session) Type(ctx context.Context, sel schema.SelectorSet, text string) error {
	return s.record(ctx, Call{Op: "type", Selector: sel, Arg: text})
}

func (s *Session) SelectOption(ctx context.Context, sel schema.SelectorSet, text string) error {
	return s.record(ctx, Call{Op: "select", Selector: sel, Arg: text})
}

func (s *Session) KeyPress(ctx context.Context, sel schema.SelectorSet, key string) error {
	return s.record(ctx, Call{Op: "key_press", Selector: sel, Arg: key})
}

func (s *Session) Scroll(ctx context.Context, dx, dy int) error {
	return s.record(ctx, Call{Op: "scroll"})
}

func (s *Session) PageText(ctx context.Context) (string, error) {
	if err := s.record(ctx, Call{Op: "page_text"}); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Text, nil
}

func (s *Session) Observe(ctx context.Context) (*browser.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs := s.Obs
	return &obs, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Launcher hands out sessions built by New (or NewSession("") when nil).
type Launcher struct {
	New func() *Session
	Err error

	mu       sync.Mutex
	sessions []*Session
}

func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	s := NewSession("")
	if l.New != nil {
		s = l.New()
	}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// Sessions returns the sessions created so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}
