package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipproxy-server/pkg/transport"
)

func TestDialogLifecycle(t *testing.T) {
	table := NewDialogTable(testLogger())
	caller := transport.Endpoint{Host: "10.0.0.2", Port: 5060}
	callee := transport.Endpoint{Host: "10.0.0.3", Port: 5060}

	require.True(t, table.Create("call-1", caller, callee))
	assert.False(t, table.Create("call-1", caller, callee), "one dialog per Call-ID")

	d, ok := table.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, DialogEarly, d.State)
	assert.Equal(t, caller.String(), d.Caller.String())

	table.SetState("call-1", DialogConfirmed)
	d, _ = table.Get("call-1")
	assert.Equal(t, DialogConfirmed, d.State)

	assert.True(t, table.Remove("call-1"))
	assert.False(t, table.Remove("call-1"), "second removal is a no-op")
	_, ok = table.Get("call-1")
	assert.False(t, ok)
}

func TestDialogSweepIdle(t *testing.T) {
	table := NewDialogTable(testLogger())
	table.Create("old", transport.Endpoint{Host: "10.0.0.2", Port: 5060}, transport.Endpoint{Host: "10.0.0.3", Port: 5060})
	table.Create("fresh", transport.Endpoint{Host: "10.0.0.4", Port: 5060}, transport.Endpoint{Host: "10.0.0.5", Port: 5060})

	// Only "fresh" gets touched past the cutoff.
	time.Sleep(10 * time.Millisecond)
	table.Get("fresh")

	expired := table.SweepIdle(5 * time.Millisecond)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0])
	assert.Equal(t, 1, table.Count())
}

func TestPendingTable(t *testing.T) {
	table := NewPendingTable(testLogger())
	src := transport.Endpoint{Host: "10.0.0.2", Port: 5060}

	table.Set("call-1", src)
	got, ok := table.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, src.String(), got.String())

	// Overwrite wins.
	other := transport.Endpoint{Host: "10.0.0.9", Port: 5062}
	table.Set("call-1", other)
	got, _ = table.Get("call-1")
	assert.Equal(t, other.String(), got.String())

	table.Remove("call-1")
	_, ok = table.Get("call-1")
	assert.False(t, ok)
}

func TestPendingSweepOlder(t *testing.T) {
	table := NewPendingTable(testLogger())
	table.Set("stale", transport.Endpoint{Host: "10.0.0.2", Port: 5060})
	time.Sleep(10 * time.Millisecond)
	table.Set("fresh", transport.Endpoint{Host: "10.0.0.3", Port: 5060})

	assert.Equal(t, 1, table.SweepOlder(5*time.Millisecond))
	_, ok := table.Get("fresh")
	assert.True(t, ok)
}

func TestBranchTable(t *testing.T) {
	table := NewBranchTable(testLogger())
	table.Set("call-1", "z9hG4bK-abc")

	branch, ok := table.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK-abc", branch)

	table.Remove("call-1")
	_, ok = table.Get("call-1")
	assert.False(t, ok)
}

func TestBranchSweepOlder(t *testing.T) {
	table := NewBranchTable(testLogger())
	table.Set("stale", "z9hG4bK-old")
	time.Sleep(10 * time.Millisecond)
	table.Set("fresh", "z9hG4bK-new")

	assert.Equal(t, 1, table.SweepOlder(5*time.Millisecond))
	_, ok := table.Get("fresh")
	assert.True(t, ok)
}
