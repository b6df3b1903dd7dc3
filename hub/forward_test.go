package hub

import (
	"testing"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestCircuit(p *rawPeer, id string, index int32, timeoutMS int32, target string) {
	p.send(wire.OpCreateVirtual, wire.CreateVirtual{
		ID:        id,
		Index:     index,
		TimeoutMS: timeoutMS,
		Source:    "ignored",
		Target:    target,
		Port:      80,
	}.Write)
}

// openCircuit builds a circuit from pa to pb through the hubs between them
// and returns the indices each side uses to address the hub.
func openCircuit(t *testing.T, pa, pb *rawPeer, source, target address.Set) (int32, int32) {
	t.Helper()
	requestCircuit(pa, "r1", 5, 2000, target.String())

	pb.expect(wire.OpCreateVirtual)
	cv := wire.ReadCreateVirtual(pb.r)
	require.NoError(t, pb.r.Err())
	assert.Equal(t, "r1", cv.ID)
	assert.Equal(t, source.String(), cv.Source)
	assert.Equal(t, int32(80), cv.Port)

	pb.send(wire.OpCreateVirtualAck, wire.CreateVirtualAck{
		ID:           cv.ID,
		RequestIndex: cv.Index,
		OK:           true,
		Index:        9,
		ConfirmID:    "confirm-b",
	}.Write)

	ack := pa.ack()
	require.True(t, ack.OK)
	assert.Equal(t, "r1", ack.ID)
	assert.Equal(t, int32(5), ack.RequestIndex)
	require.NotEmpty(t, ack.ConfirmID)
	pa.send(wire.OpInfo, wire.Info{ID: ack.ConfirmID, Values: []string{wire.ReplyOK}}.Write)

	confirm := pb.info()
	assert.Equal(t, "confirm-b", confirm.ID)
	assert.Equal(t, []string{wire.ReplyOK}, confirm.Values)
	return ack.Index, cv.Index
}

func TestCircuitThroughOneHub(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2010#a")
	b := address.MustParse("127.0.0.1:2011#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	upIndex, downIndex := openCircuit(t, pa, pb, a, b)
	assert.Equal(t, 2, h.CircuitCount())

	pa.send(wire.OpMessageVirtual, func(w *wire.Writer) {
		w.Int32(upIndex)
		w.Blob([]byte("data"))
	})
	pb.expect(wire.OpMessageVirtual)
	assert.Equal(t, int32(9), pb.r.Int32())
	assert.Equal(t, []byte("data"), pb.r.Blob())

	pb.send(wire.OpMessageVirtualAck, func(w *wire.Writer) {
		w.Int32(downIndex)
		w.Int32(4)
	})
	pa.expect(wire.OpMessageVirtualAck)
	assert.Equal(t, int32(5), pa.r.Int32())
	assert.Equal(t, int32(4), pa.r.Int32())

	pa.send(wire.OpCloseVirtual, func(w *wire.Writer) { w.Int32(upIndex) })
	pb.expect(wire.OpCloseVirtual)
	assert.Equal(t, int32(9), pb.r.Int32())
	require.Eventually(t, func() bool { return h.CircuitCount() == 0 }, testWait, testTick)
}

func TestCircuitDenials(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2012#a")
	pa := registerClient(t, h, a)

	requestCircuit(pa, "no-route", 1, 1000, "127.0.0.1:9#nobody")
	ack := pa.ack()
	assert.False(t, ack.OK)
	assert.Equal(t, "no-route", ack.ID)
	assert.Equal(t, int32(1), ack.RequestIndex)
	assert.Equal(t, ReasonNoRoute, ack.Reason)

	requestCircuit(pa, "bad", 2, 1000, "")
	ack = pa.ack()
	assert.False(t, ack.OK)
	assert.Equal(t, ReasonMalformed, ack.Reason)
	assert.Equal(t, 0, h.CircuitCount())
}

func TestCircuitRequestTimesOut(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2013#a")
	b := address.MustParse("127.0.0.1:2014#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	requestCircuit(pa, "slow", 3, 100, b.String())
	pb.expect(wire.OpCreateVirtual)
	cv := wire.ReadCreateVirtual(pb.r)
	require.NoError(t, pb.r.Err())

	ack := pa.ack()
	assert.False(t, ack.OK)
	assert.Equal(t, ReasonTimeout, ack.Reason)
	assert.Equal(t, 0, h.CircuitCount())

	pb.expect(wire.OpWithdrawVirtual)
	assert.Equal(t, "slow", pb.r.String())

	// A late acceptance is refused through its confirmation.
	pb.send(wire.OpCreateVirtualAck, wire.CreateVirtualAck{
		ID: cv.ID, RequestIndex: cv.Index, OK: true, Index: 1, ConfirmID: "late",
	}.Write)
	info := pb.info()
	assert.Equal(t, "late", info.ID)
	assert.Equal(t, []string{wire.ReplyDenied}, info.Values)
}

func TestCircuitDeniedDownstream(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2015#a")
	b := address.MustParse("127.0.0.1:2016#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	requestCircuit(pa, "r", 6, 2000, b.String())
	pb.expect(wire.OpCreateVirtual)
	cv := wire.ReadCreateVirtual(pb.r)
	require.NoError(t, pb.r.Err())
	pb.send(wire.OpCreateVirtualAck, wire.CreateVirtualAck{
		ID: cv.ID, RequestIndex: cv.Index, Reason: "not found",
	}.Write)

	ack := pa.ack()
	assert.False(t, ack.OK)
	assert.Equal(t, int32(6), ack.RequestIndex)
	assert.Equal(t, "not found", ack.Reason)
	assert.Equal(t, 0, h.CircuitCount())
}

func TestLinkLossClosesCircuits(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2017#a")
	b := address.MustParse("127.0.0.1:2018#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	openCircuit(t, pa, pb, a, b)
	pb.conn.Close()

	pa.expect(wire.OpCloseVirtual)
	assert.Equal(t, int32(5), pa.r.Int32())
	require.Eventually(t, func() bool { return h.CircuitCount() == 0 }, testWait, testTick)
}

func TestUnansweredRequestDeniedOnLinkLoss(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2019#a")
	b := address.MustParse("127.0.0.1:2020#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	requestCircuit(pa, "r", 8, 5000, b.String())
	pb.expect(wire.OpCreateVirtual)
	pb.conn.Close()

	ack := pa.ack()
	assert.False(t, ack.OK)
	assert.Equal(t, int32(8), ack.RequestIndex)
	assert.Equal(t, ReasonClosed, ack.Reason)
}

func TestWithdrawnRequestForwarded(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2021#a")
	b := address.MustParse("127.0.0.1:2022#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	requestCircuit(pa, "gone", 4, 5000, b.String())
	pb.expect(wire.OpCreateVirtual)
	cv := wire.ReadCreateVirtual(pb.r)
	require.NoError(t, pb.r.Err())

	pa.send(wire.OpWithdrawVirtual, func(w *wire.Writer) { w.String("gone") })
	pb.expect(wire.OpWithdrawVirtual)
	assert.Equal(t, "gone", pb.r.String())
	require.Eventually(t, func() bool { return h.CircuitCount() == 0 }, testWait, testTick)

	pb.send(wire.OpCreateVirtualAck, wire.CreateVirtualAck{
		ID: cv.ID, RequestIndex: cv.Index, OK: true, Index: 1, ConfirmID: "after-withdraw",
	}.Write)
	info := pb.info()
	assert.Equal(t, "after-withdraw", info.ID)
	assert.Equal(t, []string{wire.ReplyDenied}, info.Values)
}

func TestRequesterLossWithdrawsRequest(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2023#a")
	b := address.MustParse("127.0.0.1:2024#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	requestCircuit(pa, "orphaned", 2, 5000, b.String())
	pb.expect(wire.OpCreateVirtual)
	pa.conn.Close()

	pb.expect(wire.OpWithdrawVirtual)
	assert.Equal(t, "orphaned", pb.r.String())
	require.Eventually(t, func() bool { return h.CircuitCount() == 0 }, testWait, testTick)
}

func TestClosedCircuitIndexNotReused(t *testing.T) {
	h := newTestHub(t)
	a := address.MustParse("127.0.0.1:2025#a")
	b := address.MustParse("127.0.0.1:2026#b")
	pa := registerClient(t, h, a)
	pb := registerClient(t, h, b)

	oldUp, _ := openCircuit(t, pa, pb, a, b)
	pa.send(wire.OpCloseVirtual, func(w *wire.Writer) { w.Int32(oldUp) })
	pb.expect(wire.OpCloseVirtual)
	assert.Equal(t, int32(9), pb.r.Int32())
	require.Eventually(t, func() bool { return h.CircuitCount() == 0 }, testWait, testTick)

	newUp, _ := openCircuit(t, pa, pb, a, b)
	assert.NotEqual(t, oldUp, newUp)

	// A frame sent before the close was seen must not reach the new circuit.
	pa.send(wire.OpMessageVirtual, func(w *wire.Writer) {
		w.Int32(oldUp)
		w.Blob([]byte("stale"))
	})
	pa.send(wire.OpMessageVirtual, func(w *wire.Writer) {
		w.Int32(newUp)
		w.Blob([]byte("fresh"))
	})
	pb.expect(wire.OpMessageVirtual)
	assert.Equal(t, int32(9), pb.r.Int32())
	assert.Equal(t, []byte("fresh"), pb.r.Blob())
}
