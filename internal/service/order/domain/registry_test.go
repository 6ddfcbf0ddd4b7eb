package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetReturnsCopy(t *testing.T) {
	m, _ := newTestMachine(t)
	o, err := m.Create("chocolate", map[string]string{"k": "v"})
	require.NoError(t, err)

	got, err := m.Registry().Get(o.ID)
	require.NoError(t, err)
	got.Metadata["k"] = "changed"
	got.Phase = PhaseDone

	again, err := m.Registry().Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.Equal(t, PhaseWaiting, again.Phase)

	_, err = m.Registry().Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryListActive(t *testing.T) {
	m, _ := newTestMachine(t)
	a, err := m.Create("chocolate", nil)
	require.NoError(t, err)
	b, err := m.Create("strawberry", nil)
	require.NoError(t, err)
	c, err := m.Create("chocolate", nil)
	require.NoError(t, err)

	_, _, err = m.MarkCanceled(b.ID, "")
	require.NoError(t, err)

	active := m.Registry().ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, c.ID, active[1].ID)
	assert.Len(t, m.Registry().List(), 3)
}
