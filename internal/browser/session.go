// Package browser defines the browser-driver capability consumed by the
// engine and the agent, plus a go-rod implementation of it.
package browser

import (
	"context"

	"github.com/rendis/browseflow/pkg/schema"
)

// Session is one live, stateful browser tab. A session is never shared
// between runs and is not safe for concurrent use.
//
// Element-targeting methods wait up to the launcher's element timeout for
// the target to become interactable. Failures are *schema.FlowError values
// with code ELEMENT_NOT_FOUND, TIMEOUT or ACTION_FAILED.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, sel schema.SelectorSet) error
	Type(ctx context.Context, sel schema.SelectorSet, text string) error
	SelectOption(ctx context.Context, sel schema.SelectorSet, text string) error
	KeyPress(ctx context.Context, sel schema.SelectorSet, key string) error
	Scroll(ctx context.Context, dx, dy int) error
	PageText(ctx context.Context) (string, error)
	Observe(ctx context.Context) (*Observation, error)
	Close() error
}

// Launcher opens fresh sessions.
type Launcher interface {
	NewSession(ctx context.Context) (Session, error)
}

// Observation is a compact view of the current page for the agent.
type Observation struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Elements []Element `json:"elements"`
}

// Element is one interactive element of an Observation.
type Element struct {
	Index    int    `json:"index"`
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Selector string `json:"selector"`
}
