package sandbox

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogRingKeepsInsertionOrder(t *testing.T) {
	r := NewLogRing()
	r.Append("a")
	r.Append("b")
	r.Append("c")

	assert.Equal(t, []string{"a", "b", "c"}, r.Snapshot())
}

func TestLogRingEvictsOldestAtCapacity(t *testing.T) {
	r := NewLogRing()
	total := logRingCapacity + 25
	for i := 0; i < total; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}

	snap := r.Snapshot()
	assert.Len(t, snap, logRingCapacity)
	assert.Equal(t, fmt.Sprintf("line-%d", total-logRingCapacity), snap[0])
	assert.Equal(t, fmt.Sprintf("line-%d", total-1), snap[len(snap)-1])
}

func TestLogRingSnapshotIsACopy(t *testing.T) {
	r := NewLogRing()
	r.Append("a")

	snap := r.Snapshot()
	snap[0] = "mutated"

	assert.Equal(t, []string{"a"}, r.Snapshot())
}
