package splice

import (
	"bytes"
	"fmt"

	"github.com/opd-ai/hubmesh/wire"
)

// Module message codes.
const (
	codePleaseConnect int32 = 1
	codeConnectAck    int32 = 2
)

// Connect ack results.
const (
	ResultOK            byte = 20
	ResultNotFound      byte = 21
	ResultNoExternalHub byte = 22
)

// request is a PLEASE_CONNECT: the connecting side's external endpoint and
// the virtual port it wants.
type request struct {
	ID        string
	Port      int32
	Host      string
	HostPort  int32
	TimeoutMS int32
	NAT       bool
}

func (q request) encode() []byte {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	w.String(q.ID)
	w.Int32(q.Port)
	w.String(q.Host)
	w.Int32(q.HostPort)
	w.Int32(q.TimeoutMS)
	w.Bool(q.NAT)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeRequest(blobs [][]byte) (request, error) {
	var q request
	if len(blobs) != 1 {
		return q, fmt.Errorf("please-connect with %d parts", len(blobs))
	}
	r := wire.NewReader(bytes.NewReader(blobs[0]))
	q.ID = r.String()
	q.Port = r.Int32()
	q.Host = r.String()
	q.HostPort = r.Int32()
	q.TimeoutMS = r.Int32()
	q.NAT = r.Bool()
	return q, r.Err()
}

// ack answers a request. Host, Port and NAT are only meaningful with
// ResultOK.
type ack struct {
	ID     string
	Result byte
	Host   string
	Port   int32
	NAT    bool
}

func (a ack) encode() []byte {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	w.String(a.ID)
	w.Byte(a.Result)
	if a.Result == ResultOK {
		w.String(a.Host)
		w.Int32(a.Port)
		w.Bool(a.NAT)
	}
	_ = w.Flush()
	return buf.Bytes()
}

func decodeAck(blobs [][]byte) (ack, error) {
	var a ack
	if len(blobs) != 1 {
		return a, fmt.Errorf("connect-ack with %d parts", len(blobs))
	}
	r := wire.NewReader(bytes.NewReader(blobs[0]))
	a.ID = r.String()
	a.Result = r.Byte()
	if a.Result == ResultOK {
		a.Host = r.String()
		a.Port = r.Int32()
		a.NAT = r.Bool()
	}
	return a, r.Err()
}
