package discovery

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrNotRegistered is returned by Deregister before Register succeeded.
var ErrNotRegistered = errors.New("hub not registered")

// Registry keeps the addresses of live hubs under a key prefix in etcd.
// Each hub's key is bound to a lease, so hubs that stop refreshing drop out.
type Registry struct {
	cli    *clientv3.Client
	owned  bool
	prefix string
	ttl    time.Duration
	log    *logrus.Entry

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewRegistry connects to the etcd endpoints.
func NewRegistry(endpoints []string, prefix string, ttl time.Duration, log *logrus.Entry) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	r := NewRegistryWithClient(cli, prefix, ttl, log)
	r.owned = true
	return r, nil
}

// NewRegistryWithClient uses an existing client, which Close leaves open.
func NewRegistryWithClient(cli *clientv3.Client, prefix string, ttl time.Duration, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.WithField("component", "registry")
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return &Registry{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/") + "/hubs/",
		ttl:    ttl,
		log:    log,
	}
}

// Key returns the key a hub is stored under.
func (r *Registry) Key(hub address.Set) string {
	return r.prefix + url.PathEscape(hub.String())
}

// Register stores hub under a lease and keeps the lease alive until
// Deregister or Close.
func (r *Registry) Register(ctx context.Context, hub address.Set) error {
	lease, err := r.cli.Grant(ctx, int64(r.ttl/time.Second))
	if err != nil {
		return err
	}
	if _, err := r.cli.Put(ctx, r.Key(hub), hub.String(), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.log.WithFields(logrus.Fields{
			"function": "Register",
			"hub":      hub.String(),
		}).Debug("Lease keepalive ended")
	}()

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.lease, r.cancel = lease.ID, cancel
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"function": "Register",
		"hub":      hub.String(),
		"lease":    int64(lease.ID),
		"ttl":      r.ttl,
	}).Info("Registered hub in etcd")
	return nil
}

// Seeds lists the registered hubs.
func (r *Registry) Seeds(ctx context.Context) ([]address.Set, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]address.Set, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		a, err := address.Parse(string(kv.Value))
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"function": "Seeds",
				"key":      string(kv.Key),
				"error":    err.Error(),
			}).Warn("Ignoring malformed registry entry")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Watch calls fn with the full hub list after every change under the
// prefix, until ctx ends.
func (r *Registry) Watch(ctx context.Context, fn func([]address.Set)) {
	wch := r.cli.Watch(ctx, r.prefix, clientv3.WithPrefix())
	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				r.log.WithFields(logrus.Fields{
					"function": "Watch",
					"error":    err.Error(),
				}).Warn("Registry watch error")
				continue
			}
			seeds, err := r.Seeds(ctx)
			if err != nil {
				continue
			}
			fn(seeds)
		}
	}()
}

// Deregister revokes the lease, removing the hub's key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	lease, cancel := r.lease, r.cancel
	r.lease, r.cancel = 0, nil
	r.mu.Unlock()
	if cancel == nil {
		return ErrNotRegistered
	}
	cancel()
	_, err := r.cli.Revoke(ctx, lease)
	return err
}

// Close deregisters and closes the client if the registry created it.
func (r *Registry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Deregister(ctx); err != nil && !errors.Is(err, ErrNotRegistered) {
		r.log.WithFields(logrus.Fields{
			"function": "Close",
			"error":    err.Error(),
		}).Warn("Failed to revoke lease")
	}
	if r.owned {
		return r.cli.Close()
	}
	return nil
}
