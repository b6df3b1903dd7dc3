package servicelink

import (
	"context"
	"fmt"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/limits"
	"github.com/opd-ai/hubmesh/membership"
	"github.com/opd-ai/hubmesh/pending"
	"github.com/opd-ai/hubmesh/wire"
)

// Request sends op with a fresh id followed by the fields written by fn and
// waits for the hub's INFO reply.
func (l *Link) Request(ctx context.Context, op wire.Opcode, fn func(w *wire.Writer)) ([]string, error) {
	id := pending.NewID()
	if err := l.replies.Register(id); err != nil {
		return nil, ErrClosed
	}
	err := l.send(op, func(w *wire.Writer) {
		w.String(id)
		if fn != nil {
			fn(w)
		}
	})
	if err != nil {
		l.replies.Cancel(id)
		return nil, err
	}
	values, err := l.replies.Wait(ctx, id, l.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return values, nil
}

// Hubs returns every hub known to the mesh, the link's hub first.
func (l *Link) Hubs(ctx context.Context) ([]address.Set, error) {
	values, err := l.Request(ctx, wire.OpHubs, nil)
	if err != nil {
		return nil, err
	}
	return parseSets(values)
}

// HubDetails returns the detail record of every known hub.
func (l *Link) HubDetails(ctx context.Context) ([]membership.HubInfo, error) {
	values, err := l.Request(ctx, wire.OpHubDetails, nil)
	if err != nil {
		return nil, err
	}
	out := make([]membership.HubInfo, 0, len(values))
	for _, v := range values {
		info, err := membership.ParseHubInfo(v)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// ClientsForHub returns the clients registered at hub. With a tag only
// clients offering that service are listed, with their service info.
func (l *Link) ClientsForHub(ctx context.Context, hub address.Set, tag string) ([]membership.ClientInfo, error) {
	values, err := l.Request(ctx, wire.OpClientsForHub, func(w *wire.Writer) {
		w.String(hub.String())
		w.String(tag)
	})
	if err != nil {
		return nil, err
	}
	out, err := parseClients(values)
	for i := range out {
		out[i].Hub = hub
	}
	return out, err
}

// AllClients returns the clients of every hub, filtered by tag when given.
func (l *Link) AllClients(ctx context.Context, tag string) ([]membership.ClientInfo, error) {
	values, err := l.Request(ctx, wire.OpAllClients, func(w *wire.Writer) {
		w.String(tag)
	})
	if err != nil {
		return nil, err
	}
	return parseClients(values)
}

// Direction returns the hubs through which client can be reached.
func (l *Link) Direction(ctx context.Context, client address.Set) ([]address.Set, error) {
	values, err := l.Request(ctx, wire.OpDirection, func(w *wire.Writer) {
		w.String(client.String())
	})
	if err != nil {
		return nil, err
	}
	return parseSets(values)
}

// RegisterProperty publishes service info under tag. It fails with
// ErrDenied if the tag is already registered.
func (l *Link) RegisterProperty(ctx context.Context, tag, info string) error {
	return l.property(ctx, wire.OpRegisterProperty, tag, &info)
}

// UpdateProperty replaces the info of a registered tag.
func (l *Link) UpdateProperty(ctx context.Context, tag, info string) error {
	return l.property(ctx, wire.OpUpdateProperty, tag, &info)
}

// RemoveProperty withdraws a registered tag.
func (l *Link) RemoveProperty(ctx context.Context, tag string) error {
	return l.property(ctx, wire.OpRemoveProperty, tag, nil)
}

func (l *Link) property(ctx context.Context, op wire.Opcode, tag string, info *string) error {
	values, err := l.Request(ctx, op, func(w *wire.Writer) {
		w.String(tag)
		if info != nil {
			w.String(*info)
		}
	})
	if err != nil {
		return err
	}
	if len(values) == 0 || values[0] != wire.ReplyOK {
		return fmt.Errorf("%w: %s %q", ErrDenied, op, tag)
	}
	return nil
}

// Send hands a module message to the hub for routing. The hub fills in the
// source fields.
func (l *Link) Send(msg wire.ClientMessage) error {
	return l.send(wire.OpMessage, msg.Write)
}

// SendInfo answers a request the hub or a peer made of this client.
func (l *Link) SendInfo(id string, values ...string) error {
	return l.send(wire.OpInfo, wire.Info{ID: id, Values: values}.Write)
}

// SendCreateVirtual requests a circuit.
func (l *Link) SendCreateVirtual(cv wire.CreateVirtual) error {
	return l.send(wire.OpCreateVirtual, cv.Write)
}

// SendCreateVirtualAck answers a circuit request.
func (l *Link) SendCreateVirtualAck(ack wire.CreateVirtualAck) error {
	return l.send(wire.OpCreateVirtualAck, ack.Write)
}

// SendWithdrawVirtual cancels the unanswered circuit request id.
func (l *Link) SendWithdrawVirtual(id string) error {
	return l.send(wire.OpWithdrawVirtual, func(w *wire.Writer) { w.String(id) })
}

// SendCloseVirtual closes the circuit the hub knows as index.
func (l *Link) SendCloseVirtual(index int32) error {
	return l.send(wire.OpCloseVirtual, func(w *wire.Writer) { w.Int32(index) })
}

// SendMessageVirtual sends one fragment of circuit data.
func (l *Link) SendMessageVirtual(index int32, data []byte) error {
	if err := limits.ValidateVirtualFragment(data); err != nil {
		return err
	}
	return l.send(wire.OpMessageVirtual, func(w *wire.Writer) {
		w.Int32(index)
		w.Blob(data)
	})
}

// SendMessageVirtualAck returns n bytes of credit.
func (l *Link) SendMessageVirtualAck(index int32, n int32) error {
	return l.send(wire.OpMessageVirtualAck, func(w *wire.Writer) {
		w.Int32(index)
		w.Int32(n)
	})
}

// ExpectReply registers id for a later WaitReply. It is used when the id
// travels inside another frame, as with circuit confirmations.
func (l *Link) ExpectReply(id string) error {
	return l.replies.Register(id)
}

// WaitReply waits for the INFO reply registered with ExpectReply.
func (l *Link) WaitReply(ctx context.Context, id string) ([]string, error) {
	return l.replies.Wait(ctx, id, l.timeout)
}

// CancelReply forgets a registered reply.
func (l *Link) CancelReply(id string) {
	l.replies.Cancel(id)
}

func parseSets(values []string) ([]address.Set, error) {
	out := make([]address.Set, 0, len(values))
	for _, v := range values {
		a, err := address.Parse(v)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseClients(values []string) ([]membership.ClientInfo, error) {
	out := make([]membership.ClientInfo, 0, len(values))
	for _, v := range values {
		c, err := membership.ParseClientInfo(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
