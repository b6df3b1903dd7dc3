package servicelink

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/wire"
)

// The one-shot requests below take a freshly dialed connection to a hub,
// exchange one request and reply, and close it. Dialing is left to the
// caller so the request can leave from a chosen local port.

// SpliceInfo asks the hub which endpoint it sees conn coming from.
func SpliceInfo(ctx context.Context, conn net.Conn) (string, int, error) {
	var host string
	var port int32
	err := exchange(ctx, conn, wire.OpGetSpliceInfo, nil, func(r *wire.Reader) {
		host, port = r.String(), r.Int32()
	})
	if err != nil {
		return "", 0, err
	}
	return host, int(port), nil
}

// BounceIP asks the hub which IP address it sees conn coming from.
func BounceIP(ctx context.Context, conn net.Conn) (string, error) {
	var host string
	err := exchange(ctx, conn, wire.OpBounceIP, nil, func(r *wire.Reader) {
		host = r.String()
	})
	return host, err
}

// Ping checks that a hub answers on conn and returns its address.
func Ping(ctx context.Context, conn net.Conn, sender string) (address.Set, error) {
	var text string
	err := exchange(ctx, conn, wire.OpPing, func(w *wire.Writer) { w.String(sender) }, func(r *wire.Reader) {
		op, err := r.Opcode()
		if err != nil {
			return
		}
		if op != wire.OpPing {
			r.Fail("unexpected %s", op)
			return
		}
		text = r.String()
	})
	if err != nil {
		return address.Set{}, err
	}
	return address.Parse(text)
}

// exchange writes one request and reads its reply. The connection is
// closed afterwards; ctx cancellation aborts blocked I/O.
func exchange(ctx context.Context, conn net.Conn, op wire.Opcode, write func(w *wire.Writer), read func(r *wire.Reader)) error {
	defer conn.Close()

	deadline := time.Now().Add(DefaultTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	r, w := wire.NewReader(conn), wire.NewWriter(conn)
	w.Opcode(op)
	if write != nil {
		write(w)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	read(r)
	if err := r.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
