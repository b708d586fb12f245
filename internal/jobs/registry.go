package jobs

import (
	"fmt"
	"sync"

	"github.com/harvestmark/agritrace-backend/internal/types"
)

// Handler runs one claimed reconciliation job to a terminal state. A handler
// must end the job through jc.Succeed or jc.Fail; the worker only steps in
// when the handler panics.
type Handler interface {
	Type() types.ChainJobType
	Run(jc *Context)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[types.ChainJobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.ChainJobType]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType types.ChainJobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
