package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ntonix/internal/registry"
	"ntonix/internal/types"
)

func TestSetBackendsReplacesSnapshot(t *testing.T) {
	r := registry.New()
	a := types.Backend{Host: "a", Port: 8001, Weight: 1}
	b := types.Backend{Host: "b", Port: 8002, Weight: 2}

	r.SetBackends([]types.Backend{a, b})
	assert.ElementsMatch(t, []types.Backend{a, b}, r.Snapshot())

	r.SetBackends([]types.Backend{a})
	assert.Equal(t, []types.Backend{a}, r.Snapshot())
	assert.Equal(t, 1, r.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := registry.New()
	a := types.Backend{Host: "a", Port: 8001, Weight: 1}
	r.SetBackends([]types.Backend{a})

	snap := r.Snapshot()
	snap[0].Weight = 99

	assert.Equal(t, 1, r.Snapshot()[0].Weight)
}
