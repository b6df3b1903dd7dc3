package hub

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleasedIndexNotHandedOutAgain(t *testing.T) {
	table := newCircuitTable()
	link := &baseConn{}

	first := table.alloc(link, "r1", true)
	require.True(t, table.releasePair(first))
	second := table.alloc(link, "r2", true)

	assert.NotEqual(t, first.index, second.index)
	assert.Nil(t, table.lookup(first.index, link))
	assert.Same(t, second, table.lookup(second.index, link))
}

func TestIndexCounterWrapsPastLiveHalves(t *testing.T) {
	table := newCircuitTable()
	link := &baseConn{}

	zero := table.alloc(link, "r0", true)
	require.Equal(t, int32(0), zero.index)
	table.next = math.MaxInt32

	last := table.alloc(link, "r1", true)
	assert.Equal(t, int32(math.MaxInt32), last.index)
	wrapped := table.alloc(link, "r2", true)
	assert.Equal(t, int32(1), wrapped.index, "index 0 is still live")
	assert.Equal(t, 3, table.len())
}

func TestWithdrawOnlyUnacknowledged(t *testing.T) {
	table := newCircuitTable()
	from, to := &baseConn{}, &baseConn{}

	up := table.alloc(from, "r1", true)
	down := table.alloc(to, "r1", false)
	up.peer, down.peer = down, up

	assert.Nil(t, table.withdraw(to, "r1"), "only the requesting link may withdraw")
	assert.Nil(t, table.withdraw(from, "other"))
	assert.Same(t, down, table.withdraw(from, "r1"))
	assert.Equal(t, 0, table.len())

	up = table.alloc(from, "r2", true)
	down = table.alloc(to, "r2", false)
	up.peer, down.peer = down, up
	down.acked = true
	assert.Nil(t, table.withdraw(from, "r2"))
	assert.Equal(t, 2, table.len())
}

func TestForLinkReportsPeers(t *testing.T) {
	table := newCircuitTable()
	from, to := &baseConn{}, &baseConn{}

	up := table.alloc(from, "r1", true)
	down := table.alloc(to, "r1", false)
	up.peer, down.peer = down, up
	up.remote = 5

	orphans := table.forLink(to)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan{link: from, remote: 5, requestID: "r1", upstream: true, acked: false}, orphans[0])
	assert.Equal(t, 0, table.len())
}
