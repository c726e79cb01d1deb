package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/podium/pkg/events"
)

// ErrAborted is returned through the generation call chain when the abort
// controller fires. The loop distinguishes it from provider failures.
var ErrAborted = errors.New("turn aborted")

// AbortController carries a typed pause/cancel signal into the engine loop.
// The loop checks it cooperatively at chunk granularity, so worst-case
// latency from signal to halt is one chunk's processing time. The first
// signal wins; later ones are ignored.
type AbortController struct {
	mu     sync.Mutex
	reason events.InterruptReason
	ctx    context.Context
	cancel context.CancelFunc
}

func NewAbortController(parent context.Context) *AbortController {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &AbortController{ctx: ctx, cancel: cancel}
}

// Context is cancelled once a signal fires (or the parent context ends).
func (a *AbortController) Context() context.Context { return a.ctx }

// Pause requests a resumable halt at the next chunk boundary.
func (a *AbortController) Pause() { a.signal(events.ReasonPaused) }

// Cancel requests a permanent halt at the next chunk boundary.
func (a *AbortController) Cancel() { a.signal(events.ReasonCancelled) }

func (a *AbortController) signal(reason events.InterruptReason) {
	a.mu.Lock()
	if a.reason == "" {
		a.reason = reason
	}
	a.mu.Unlock()
	a.cancel()
}

// Reason returns the signalled interruption reason, or the empty string when
// no signal fired.
func (a *AbortController) Reason() events.InterruptReason {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}
