package peer

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/trumanellis/syncengine/config"
	"github.com/trumanellis/syncengine/realm"
)

func testConfig() config.Config { return config.Default(".") }

func node(b byte) ids.NodeID {
	var raw [20]byte
	raw[0] = b
	return ids.NodeID(raw)
}

func TestShouldRetryNowTrueForNeverAttempted(t *testing.T) {
	p := Info{}
	require.True(t, p.ShouldRetryNow(time.Now(), time.Second, time.Hour))
}

func TestShouldRetryNowRespectsFibonacciBackoff(t *testing.T) {
	now := time.Now()
	p := Info{ConnectionAttempts: 3, LastAttempt: now}
	require.False(t, p.ShouldRetryNow(now.Add(time.Second), time.Second, time.Hour))
	require.True(t, p.ShouldRetryNow(now.Add(2*time.Hour), time.Second, time.Hour))
}

func TestBackoffIsMonotonicNonDecreasingUpToCap(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 0; attempts < 30; attempts++ {
		d := backoffDelay(attempts, time.Second, time.Hour)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, time.Hour)
		prev = d
	}
}

func TestRecordAttemptSuccessFailure(t *testing.T) {
	reg := New(testConfig(), nil)
	id := node(1)
	now := time.Now()

	reg.RecordAttempt(id, now)
	info, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, 1, info.ConnectionAttempts)

	reg.RecordFailure(id)
	info, _ = reg.Get(id)
	require.Equal(t, StatusOffline, info.Status)
	require.Equal(t, 1, info.ConnectionAttempts)

	reg.RecordSuccess(id, now)
	info, _ = reg.Get(id)
	require.Equal(t, StatusOnline, info.Status)
	require.Equal(t, 0, info.ConnectionAttempts)
	require.Equal(t, 1, info.SuccessfulConnections)
}

func TestRecordNeighborUpAndDown(t *testing.T) {
	reg := New(testConfig(), nil)
	id := node(2)
	rid, err := realm.NewID()
	require.NoError(t, err)

	reg.RecordNeighborUp(id, rid, time.Now())
	info, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusOnline, info.Status)
	require.Contains(t, info.SharedRealms, rid)

	reg.RecordNeighborDown(id)
	info, _ = reg.Get(id)
	require.Equal(t, StatusOffline, info.Status)
}

func TestRecordNeighborUpAndDownEmitPeerEvents(t *testing.T) {
	reg := New(testConfig(), nil)
	sub := reg.Events().Subscribe()
	defer sub.Close()
	id := node(3)
	rid, err := realm.NewID()
	require.NoError(t, err)

	reg.RecordNeighborUp(id, rid, time.Now())
	up := <-sub.C()
	require.Equal(t, EventPeerConnected, up.Value.Kind)
	require.Equal(t, id, up.Value.EndpointID)

	reg.RecordNeighborDown(id)
	down := <-sub.C()
	require.Equal(t, EventPeerDisconnected, down.Value.Kind)
	require.Equal(t, id, down.Value.EndpointID)
}

func TestListInactiveExcludesOnline(t *testing.T) {
	reg := New(testConfig(), nil)
	online := node(1)
	offline := node(2)
	reg.RecordSuccess(online, time.Now())
	reg.RecordFailure(offline)

	inactive := reg.ListInactive()
	require.Len(t, inactive, 1)
	require.Equal(t, offline, inactive[0].EndpointID)
}

func TestListForStartupSortsByContactThenLastSeen(t *testing.T) {
	reg := New(testConfig(), nil)
	now := time.Now()

	a := node(1)
	b := node(2)
	c := node(3)

	reg.Upsert(a).LastSeen = now.Add(-time.Hour)
	reg.Upsert(b).LastSeen = now
	reg.Upsert(c).LastSeen = now.Add(-2 * time.Hour)
	reg.Upsert(c).IsContact = true

	ordered := reg.ListForStartup()
	require.Equal(t, c, ordered[0].EndpointID)
	require.Equal(t, b, ordered[1].EndpointID)
	require.Equal(t, a, ordered[2].EndpointID)
}
