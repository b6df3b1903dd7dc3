package wire

import (
	"math"
	"time"
)

// ClientMessage is an opaque module message routed by hubs without
// interpretation. Hubs forward it at most HopsLeft times.
type ClientMessage struct {
	Source    string
	SourceHub string
	Target    string
	TargetHub string
	Module    string
	Code      int32
	HopsLeft  int32
	Blobs     [][]byte
}

// Write encodes the message body (without opcode).
func (m ClientMessage) Write(w *Writer) {
	w.String(m.Source)
	w.String(m.SourceHub)
	w.String(m.Target)
	w.String(m.TargetHub)
	w.String(m.Module)
	w.Int32(m.Code)
	w.Int32(m.HopsLeft)
	w.Blobs(m.Blobs)
}

// ReadClientMessage decodes a message body.
func ReadClientMessage(r *Reader) ClientMessage {
	return ClientMessage{
		Source:    r.String(),
		SourceHub: r.String(),
		Target:    r.String(),
		TargetHub: r.String(),
		Module:    r.String(),
		Code:      r.Int32(),
		HopsLeft:  r.Int32(),
		Blobs:     r.Blobs(),
	}
}

// Millis converts d to the int32 milliseconds carried by timeout fields.
// Durations beyond the field's range are clamped; zero and negative ones
// encode as 0, which tells the receiver to use its default.
func Millis(d time.Duration) int32 {
	ms := d / time.Millisecond
	switch {
	case ms <= 0:
		return 0
	case ms > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(ms)
}

// CreateVirtual requests a circuit. Index is the sender's half of the
// circuit; the receiver quotes it back in its acknowledgement.
type CreateVirtual struct {
	ID        string
	Index     int32
	TimeoutMS int32
	Source    string
	Target    string
	TargetHub string
	Port      int32
}

// Write encodes the request body.
func (c CreateVirtual) Write(w *Writer) {
	w.String(c.ID)
	w.Int32(c.Index)
	w.Int32(c.TimeoutMS)
	w.String(c.Source)
	w.String(c.Target)
	w.String(c.TargetHub)
	w.Int32(c.Port)
}

// ReadCreateVirtual decodes a request body.
func ReadCreateVirtual(r *Reader) CreateVirtual {
	c := CreateVirtual{
		ID:        r.String(),
		Index:     r.Int32(),
		TimeoutMS: r.Int32(),
		Source:    r.String(),
		Target:    r.String(),
		TargetHub: r.String(),
		Port:      r.Int32(),
	}
	if r.Err() == nil && c.TimeoutMS < 0 {
		r.Fail("negative circuit timeout %d", c.TimeoutMS)
	}
	return c
}

// CreateVirtualAck answers a CreateVirtual.
//
// RequestIndex is the Index of the request being answered. On success Index
// is the acknowledging side's half and ConfirmID names the INFO reply the
// acknowledging side waits for; the receiver answers OK only if it is still
// waiting for this circuit. On denial Reason explains why.
type CreateVirtualAck struct {
	ID           string
	RequestIndex int32
	OK           bool
	Index        int32
	ConfirmID    string
	Reason       string
}

// Write encodes the acknowledgement body.
func (a CreateVirtualAck) Write(w *Writer) {
	w.String(a.ID)
	w.Int32(a.RequestIndex)
	if a.OK {
		w.String(ReplyOK)
		w.Int32(a.Index)
		w.String(a.ConfirmID)
		return
	}
	w.String(ReplyDenied)
	w.String(a.Reason)
}

// ReadCreateVirtualAck decodes an acknowledgement body.
func ReadCreateVirtualAck(r *Reader) CreateVirtualAck {
	a := CreateVirtualAck{
		ID:           r.String(),
		RequestIndex: r.Int32(),
	}
	switch result := r.String(); result {
	case ReplyOK:
		a.OK = true
		a.Index = r.Int32()
		a.ConfirmID = r.String()
	case ReplyDenied:
		a.Reason = r.String()
	default:
		if r.Err() == nil {
			r.Fail("unknown ack result %q", result)
		}
	}
	return a
}

// Info is the generic id-correlated reply.
type Info struct {
	ID     string
	Values []string
}

// Write encodes the reply body.
func (i Info) Write(w *Writer) {
	w.String(i.ID)
	w.Strings(i.Values)
}

// ReadInfo decodes a reply body.
func ReadInfo(r *Reader) Info {
	return Info{ID: r.String(), Values: r.Strings()}
}
