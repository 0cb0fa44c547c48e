package rowsaffected

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScope_Accumulates(t *testing.T) {
	s := NewScope()

	s.Add(2)
	s.Add(0)
	s.Add(5)

	assert.Equal(t, int64(7), s.Count())
}

func TestScope_IgnoresNegative(t *testing.T) {
	s := NewScope()

	s.Add(3)
	s.Add(-10)

	assert.Equal(t, int64(3), s.Count())
}

func TestScope_Disabled(t *testing.T) {
	s := NewScope()
	s.Add(1)

	s.SetEnabled(false)
	s.Add(4)

	assert.False(t, s.Enabled())
	assert.Equal(t, int64(1), s.Count())

	s.SetEnabled(true)
	s.Add(4)
	assert.Equal(t, int64(5), s.Count())
}

func TestScope_Reset(t *testing.T) {
	s := NewScope()
	s.Add(9)

	prev := s.Reset()

	assert.Equal(t, int64(9), prev)
	assert.Equal(t, int64(0), s.Count())
}

func TestScope_NilSafe(t *testing.T) {
	var s *Scope

	s.Add(3)
	s.SetEnabled(true)

	assert.Equal(t, int64(0), s.Count())
	assert.Equal(t, int64(0), s.Reset())
	assert.False(t, s.Enabled())
}

func TestScope_ConcurrentAdd(t *testing.T) {
	s := NewScope()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5000), s.Count())
}

func TestContext(t *testing.T) {
	s := NewScope()
	ctx := WithScope(context.Background(), s)

	assert.Same(t, s, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
