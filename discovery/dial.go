// Package discovery provides coord.Link implementations backed by etcd and
// Consul.
package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

const (
	BackendEtcd   = "etcd"
	BackendConsul = "consul"
)

// DefaultPort is the client port a backend listens on when an endpoint
// names none.
func DefaultPort(backend string) string {
	if strings.ToLower(backend) == BackendConsul {
		return "8500"
	}
	return "2379"
}

type dialOptions struct {
	dialTimeout time.Duration
	sessionTTL  time.Duration
	namespace   string
	logger      *zap.Logger
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.dialTimeout = d }
}

// WithSessionTTL sets how long ephemeral nodes survive a silent client.
func WithSessionTTL(d time.Duration) DialOption {
	return func(o *dialOptions) { o.sessionTTL = d }
}

func WithNamespace(ns string) DialOption {
	return func(o *dialOptions) { o.namespace = ns }
}

func WithLogger(logger *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = logger }
}

// Dial opens a link to the named backend. Consul uses the first endpoint as
// its agent address.
func Dial(ctx context.Context, backend string, endpoints []string, opts ...DialOption) (coord.Link, error) {
	o := dialOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	switch strings.ToLower(backend) {
	case BackendEtcd:
		return NewEtcdLink(ctx, EtcdConfig{
			Endpoints:   endpoints,
			DialTimeout: o.dialTimeout,
			SessionTTL:  o.sessionTTL,
			Namespace:   o.namespace,
			Logger:      o.logger,
		})
	case BackendConsul:
		if len(endpoints) == 0 {
			return nil, errors.New("consul: no agent address")
		}
		return NewConsulLink(ctx, ConsulConfig{
			Address:    endpoints[0],
			SessionTTL: o.sessionTTL,
			Namespace:  o.namespace,
			Logger:     o.logger,
		})
	default:
		return nil, errors.Errorf("unknown backend %q", backend)
	}
}

func multiClose(err, closeErr error) error {
	return multierr.Append(err, closeErr)
}
