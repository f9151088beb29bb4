package job

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler executes jobs of one name.
//
// Run must honor ctx: it is cancelled when the job's timeout elapses or the
// worker shuts down. A handler that ignores ctx is abandoned, not killed.
type Handler interface {
	Run(ctx context.Context, j *Job) error
}

// FailureHook is implemented by handlers that want to react to a terminal
// failure. It is called at most once per job, after the failure is durable.
type FailureHook interface {
	OnFailure(ctx context.Context, j *Job, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j *Job) error

func (f HandlerFunc) Run(ctx context.Context, j *Job) error { return f(ctx, j) }

// Funcs bundles a run function with an optional failure hook.
type Funcs struct {
	RunFunc     func(ctx context.Context, j *Job) error
	FailureFunc func(ctx context.Context, j *Job, err error)
}

func (f Funcs) Run(ctx context.Context, j *Job) error {
	if f.RunFunc == nil {
		return NoRetry(fmt.Errorf("handler for %q has no run function", j.Name))
	}
	return f.RunFunc(ctx, j)
}

func (f Funcs) OnFailure(ctx context.Context, j *Job, err error) {
	if f.FailureFunc != nil {
		f.FailureFunc(ctx, j, err)
	}
}

// Registry maps job names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds h under name. Registering a name twice is an error.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("register handler %q: already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for wiring code; it panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
