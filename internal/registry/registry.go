// Package registry maps job types to the handlers that execute them.
//
// A Registry is built once at process start, before any processor polls,
// and passed to the worker explicitly. Lookups after that are concurrent
// reads.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrHandlerNotFound is returned by Lookup for an unregistered type.
var ErrHandlerNotFound = errors.New("no handler registered")

// HandlerFunc executes one job. It receives the raw JSON payload and returns
// a JSON result. A non-nil error fails the attempt.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry is a job type to handler map safe for concurrent lookups.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register associates h with jobType. Registering the same type again
// replaces the earlier handler.
func (r *Registry) Register(jobType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (HandlerFunc, error) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	if !ok || h == nil {
		return nil, fmt.Errorf("%w for type %s", ErrHandlerNotFound, jobType)
	}
	return h, nil
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Typed adapts a handler over concrete payload and result types. The
// payload is decoded into P before fn runs; a decode error fails the
// attempt like any other handler error.
func Typed[P, R any](fn func(ctx context.Context, payload P) (R, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}

		res, err := fn(ctx, p)
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return out, nil
	}
}
