// Package rowsaffected holds the run-scoped counter of records touched by
// administrative commands. A Scope is created by the migration engine for one
// run, threaded through context.Context, and read after every changeset.
package rowsaffected

import (
	"context"
	"sync/atomic"
)

type Scope struct {
	count   atomic.Int64
	enabled atomic.Bool
}

// NewScope returns an enabled scope with a zero count.
func NewScope() *Scope {
	s := &Scope{}
	s.enabled.Store(true)
	return s
}

// Add accumulates n when the scope is enabled. Non-positive values are ignored
// so the count only ever grows between resets. Safe on a nil scope.
func (s *Scope) Add(n int64) {
	if s == nil || n <= 0 || !s.enabled.Load() {
		return
	}
	s.count.Add(n)
}

func (s *Scope) Count() int64 {
	if s == nil {
		return 0
	}
	return s.count.Load()
}

// Reset zeroes the counter and returns the previous value. Only the owner of
// the scope calls it; command execution never does.
func (s *Scope) Reset() int64 {
	if s == nil {
		return 0
	}
	return s.count.Swap(0)
}

func (s *Scope) SetEnabled(enabled bool) {
	if s == nil {
		return
	}
	s.enabled.Store(enabled)
}

func (s *Scope) Enabled() bool {
	return s != nil && s.enabled.Load()
}

type scopeKey struct{}

// WithScope attaches s to ctx so that every command executed under ctx,
// however deeply nested, updates the same counter.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope attached to ctx, or nil.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
