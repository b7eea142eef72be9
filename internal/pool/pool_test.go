package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjtrangoni/wprocd/internal/worker"
)

func newHandle(id int) *worker.Handle {
	return worker.New(id, nil, 0, "", 4)
}

func TestListRoundRobinFairness(t *testing.T) {
	l := &List{}
	h0, h1, h2 := newHandle(0), newHandle(1), newHandle(2)
	l.Add(h0)
	l.Add(h1)
	l.Add(h2)

	got := []*worker.Handle{l.Next(), l.Next(), l.Next(), l.Next()}
	assert.Equal(t, []*worker.Handle{h0, h1, h2, h0}, got)
}

func TestListNextOnEmpty(t *testing.T) {
	l := &List{}
	assert.Nil(t, l.Next())
}

func TestListRemoveDoesNotResetIndex(t *testing.T) {
	l := &List{}
	h0, h1 := newHandle(0), newHandle(1)
	l.Add(h0)
	l.Add(h1)
	l.Next() // idx now 1

	l.Remove(h0)
	assert.Equal(t, 1, l.Len())
	// idx is not reset; selecting from a 1-element list after removal
	// still advances monotonically rather than restarting at 0.
	first := l.Next()
	second := l.Next()
	assert.Equal(t, h1, first)
	assert.Equal(t, h1, second)
	assert.Equal(t, uint64(3), l.idx)
}

func TestRegistrySelectSpecializedBeforeGlobal(t *testing.T) {
	r := NewRegistry()
	global := newHandle(0)
	specialized := newHandle(1)
	r.AddGlobal(global)
	r.AddSpecialized(specialized, []string{"check_ping"})

	list, err := r.Select("check_ping -H 10.0.0.1")
	require.NoError(t, err)
	assert.Same(t, specialized, list.Next())
}

func TestRegistrySelectFallsBackToGlobal(t *testing.T) {
	r := NewRegistry()
	global := newHandle(0)
	r.AddGlobal(global)

	list, err := r.Select("check_http -H example.com")
	require.NoError(t, err)
	assert.Same(t, global, list.Next())
}

func TestRegistrySelectNoWorkers(t *testing.T) {
	r := NewRegistry()
	_, err := r.Select("check_ping")
	assert.True(t, errors.Is(err, ErrNoWorkers))
}

func TestRegistryRemoveEverywherePrunesEmptySpecializedPools(t *testing.T) {
	r := NewRegistry()
	h := newHandle(0)
	r.AddGlobal(h)
	r.AddSpecialized(h, []string{"check_ping"})

	r.RemoveEverywhere(h)

	assert.Equal(t, 0, r.Global.Len())
	assert.True(t, r.GlobalEmpty())
	_, err := r.Select("check_ping")
	assert.True(t, errors.Is(err, ErrNoWorkers))
}
