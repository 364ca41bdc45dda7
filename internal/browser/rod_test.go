package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/stretchr/testify/assert"

	"github.com/rendis/browseflow/pkg/schema"
)

func TestLookupKey(t *testing.T) {
	k, ok := LookupKey("Enter")
	assert.True(t, ok)
	assert.Equal(t, input.Enter, k)

	k, ok = LookupKey("arrowdown")
	assert.True(t, ok)
	assert.Equal(t, input.ArrowDown, k)

	k, ok = LookupKey("a")
	assert.True(t, ok)
	assert.Equal(t, input.Key('a'), k)

	_, ok = LookupKey("Hyper")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		ph   phase
		code string
	}{
		{"not found", &rod.ElementNotFoundError{}, phaseAct, schema.ErrCodeElementNotFound},
		{"locate deadline", context.DeadlineExceeded, phaseLocate, schema.ErrCodeElementNotFound},
		{"ready deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), phaseReady, schema.ErrCodeTimeout},
		{"other", errors.New("node detached"), phaseAct, schema.ErrCodeActionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.err, tc.ph, "click css=\"#a\"")
			fe := schema.AsFlowError(err, "")
			assert.Equal(t, tc.code, fe.Code)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestNewRodLauncher_Defaults(t *testing.T) {
	l := NewRodLauncher(RodConfig{})
	assert.Equal(t, DefaultElementTimeout, l.cfg.ElementTimeout)
	assert.Equal(t, 1280, l.cfg.ViewportWidth)
	assert.NoError(t, l.Close())
}

func TestNewSession_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRodLauncher(RodConfig{}).NewSession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
