package real

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// DefaultDialTimeout bounds dials when the configuration leaves it unset.
const DefaultDialTimeout = 5 * time.Second

// TCPSocketFactory implements interfaces.SocketFactory with TCP sockets.
type TCPSocketFactory struct {
	config interfaces.SocketConfig
	proxy  proxy.ContextDialer
	log    *logrus.Entry
}

// NewTCPSocketFactory creates a TCP factory. A configured proxy address is
// validated here so a bad proxy fails at startup rather than on first dial.
func NewTCPSocketFactory(config interfaces.SocketConfig, log *logrus.Entry) (*TCPSocketFactory, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if log == nil {
		log = logrus.WithField("component", "sockets")
	}
	f := &TCPSocketFactory{config: config, log: log}

	if config.ProxyAddress != "" {
		var auth *proxy.Auth
		if config.ProxyUser != "" || config.ProxyPassword != "" {
			auth = &proxy.Auth{User: config.ProxyUser, Password: config.ProxyPassword}
		}
		d, err := proxy.SOCKS5("tcp", config.ProxyAddress, auth, &net.Dialer{Timeout: config.DialTimeout})
		if err != nil {
			log.WithFields(logrus.Fields{
				"function":   "NewTCPSocketFactory",
				"proxy_addr": config.ProxyAddress,
				"error":      err.Error(),
			}).Error("Failed to create SOCKS5 dialer")
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", config.ProxyAddress)
		}
		f.proxy = cd
		log.WithFields(logrus.Fields{
			"function":   "NewTCPSocketFactory",
			"proxy_addr": config.ProxyAddress,
		}).Info("Outbound dials go through SOCKS5 proxy")
	}
	return f, nil
}

// Dial implements interfaces.SocketFactory.
func (f *TCPSocketFactory) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.DialTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if f.proxy != nil {
		conn, err = f.proxy.DialContext(ctx, "tcp", endpoint)
	} else {
		d := net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", endpoint)
	}
	if err != nil {
		f.log.WithFields(logrus.Fields{
			"function": "Dial",
			"endpoint": endpoint,
			"proxied":  f.proxy != nil,
			"error":    err.Error(),
		}).Debug("Dial failed")
		return nil, err
	}
	setNoDelay(conn)
	return conn, nil
}

// DialFrom implements interfaces.SocketFactory.
func (f *TCPSocketFactory) DialFrom(ctx context.Context, localPort int, endpoint string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   f.config.DialTimeout,
		LocalAddr: &net.TCPAddr{Port: localPort},
		Control:   reuseControl,
	}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		f.log.WithFields(logrus.Fields{
			"function":   "DialFrom",
			"local_port": localPort,
			"endpoint":   endpoint,
			"error":      err.Error(),
		}).Debug("Dial from fixed port failed")
		return nil, err
	}
	setNoDelay(conn)
	return conn, nil
}

// Listen implements interfaces.SocketFactory.
func (f *TCPSocketFactory) Listen(endpoint string) (net.Listener, error) {
	lc := net.ListenConfig{}
	if f.config.ReuseAddress {
		lc.Control = reuseControl
	}
	l, err := lc.Listen(context.Background(), "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	f.log.WithFields(logrus.Fields{
		"function": "Listen",
		"endpoint": l.Addr().String(),
		"reuse":    f.config.ReuseAddress,
	}).Debug("Listening")
	return l, nil
}

// IsSimulation implements interfaces.SocketFactory.
func (f *TCPSocketFactory) IsSimulation() bool {
	return false
}

// Config returns the factory configuration.
func (f *TCPSocketFactory) Config() interfaces.SocketConfig {
	return f.config
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}
