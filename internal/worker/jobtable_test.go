package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjtrangoni/wprocd/internal/job"
)

func TestJobTableAllocateAssignsUniqueSlots(t *testing.T) {
	tbl := NewJobTable(4)
	seen := make(map[int]bool)

	for i := 0; i < 4; i++ {
		j := &job.Job{Command: "check_ping"}
		slot, err := tbl.Allocate(j)
		require.NoError(t, err)
		assert.False(t, seen[slot], "slot %d allocated twice", slot)
		seen[slot] = true
		assert.Equal(t, slot, j.ID)
	}
	assert.Equal(t, 4, tbl.Running())
	assert.Equal(t, uint64(4), tbl.Started())
}

func TestJobTableFullShortCircuits(t *testing.T) {
	tbl := NewJobTable(2)
	_, err := tbl.Allocate(&job.Job{})
	require.NoError(t, err)
	_, err = tbl.Allocate(&job.Job{})
	require.NoError(t, err)

	_, err = tbl.Allocate(&job.Job{})
	assert.Error(t, err)
	assert.Equal(t, 2, tbl.Running())
}

func TestJobTableReleaseFreesSlotForReuse(t *testing.T) {
	tbl := NewJobTable(2)
	j1 := &job.Job{}
	slot1, err := tbl.Allocate(j1)
	require.NoError(t, err)

	tbl.Release(slot1)
	assert.Equal(t, 0, tbl.Running())

	j2 := &job.Job{}
	slot2, err := tbl.Allocate(j2)
	require.NoError(t, err)
	assert.Equal(t, slot1, slot2, "freed slot should be reused before scanning past it")
}

func TestJobTableLookupWrapsModularly(t *testing.T) {
	tbl := NewJobTable(3)
	j := &job.Job{}
	slot, err := tbl.Allocate(j)
	require.NoError(t, err)

	found, ok := tbl.Lookup(slot + 3) // same slot, different "generation" id
	require.True(t, ok)
	assert.Same(t, j, found)

	_, ok = tbl.Lookup(slot + 1)
	assert.False(t, ok)
}

func TestJobTableOccupiedReturnsOnlyLiveJobs(t *testing.T) {
	tbl := NewJobTable(3)
	j1, err := allocNew(tbl)
	require.NoError(t, err)
	_, err = allocNew(tbl)
	require.NoError(t, err)

	tbl.Release(j1.ID)

	occ := tbl.Occupied()
	assert.Len(t, occ, 1)
}

func allocNew(tbl *JobTable) (*job.Job, error) {
	j := &job.Job{}
	_, err := tbl.Allocate(j)
	return j, err
}
