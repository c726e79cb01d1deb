package server

import (
	"sync"

	"github.com/go-go-golems/podium/pkg/engine"
)

// DebateRegistry tracks the abort controller of every debate this process is
// actively driving. "At most one active turn per debate" is an invariant of a
// single-owner execution model: a deployment running multiple orchestration
// workers must pin each debate to exactly one process.
type DebateRegistry struct {
	mu     sync.Mutex
	aborts map[string]*engine.AbortController
}

func NewDebateRegistry() *DebateRegistry {
	return &DebateRegistry{aborts: map[string]*engine.AbortController{}}
}

// Register claims a debate for this process. It returns false when a loop is
// already running for it.
func (r *DebateRegistry) Register(debateID string, ac *engine.AbortController) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.aborts[debateID]; ok {
		return false
	}
	r.aborts[debateID] = ac
	return true
}

func (r *DebateRegistry) Lookup(debateID string) (*engine.AbortController, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.aborts[debateID]
	return ac, ok
}

func (r *DebateRegistry) Unregister(debateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aborts, debateID)
}

// Running reports whether a loop currently owns the debate.
func (r *DebateRegistry) Running(debateID string) bool {
	_, ok := r.Lookup(debateID)
	return ok
}
