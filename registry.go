package jobqueue

import (
	"fmt"
	"sort"
	"time"

	"github.com/owles/go-jobqueue/backoff"
	"github.com/owles/go-jobqueue/core"
)

// Registration binds a job type to its handler.
type Registration struct {
	Type string
	// Concurrency is the number of consumer loops; zero means one.
	Concurrency int
	Handler     core.Handler
	// Timeout bounds a single Handle call; zero means no limit.
	Timeout time.Duration
	// Backoff, when set, replaces the retry policy stored on the job. It lives
	// in this process only, so a backoff.Func works as well as a Policy.
	Backoff backoff.Strategy
}

// Registry maps job types to registrations. It is read-only once built.
type Registry struct {
	types map[string]Registration
}

// NewRegistry validates regs and fills in defaults. Errors wrap core.ErrConfiguration.
func NewRegistry(regs []Registration) (*Registry, error) {
	r := &Registry{types: make(map[string]Registration, len(regs))}

	for i, reg := range regs {
		if reg.Type == "" {
			return nil, fmt.Errorf("registration %d: %w", i, core.ErrMissingJobKey)
		}
		if reg.Concurrency == 0 {
			reg.Concurrency = 1
		}
		if reg.Concurrency < 0 {
			return nil, fmt.Errorf("%q: %w: got %d", reg.Type, core.ErrInvalidConcurrency, reg.Concurrency)
		}
		if reg.Handler == nil {
			return nil, fmt.Errorf("%q: %w", reg.Type, core.ErrNilHandler)
		}
		if _, ok := r.types[reg.Type]; ok {
			return nil, fmt.Errorf("%q: %w", reg.Type, core.ErrDuplicateJobType)
		}
		r.types[reg.Type] = reg
	}

	return r, nil
}

func (r *Registry) Exists(jobType string) bool {
	_, ok := r.types[jobType]
	return ok
}

func (r *Registry) Lookup(jobType string) (Registration, error) {
	reg, ok := r.types[jobType]
	if !ok {
		return Registration{}, fmt.Errorf("%q: %w", jobType, core.ErrUnregisteredType)
	}
	return reg, nil
}

// Types lists the registered types in lexical order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
