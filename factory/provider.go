package factory

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/hubmesh/config"
	"github.com/opd-ai/hubmesh/interfaces"
	"github.com/opd-ai/hubmesh/real"
	simnet "github.com/opd-ai/hubmesh/testing"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinDialTimeout is the minimum allowed dial timeout.
	MinDialTimeout = 100 * time.Millisecond
	// MaxDialTimeout is the maximum allowed dial timeout.
	MaxDialTimeout = 10 * time.Minute
)

// Provider creates socket factories based on configuration.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type Provider struct {
	mu            sync.RWMutex
	defaultConfig interfaces.SocketConfig
	log           *logrus.Entry
}

// TestConfigOption is a functional option for customizing test simulation configuration.
type TestConfigOption func(*interfaces.SocketConfig)

// NewProvider creates a provider from properties. A nil props uses defaults.
func NewProvider(props *config.Properties, log *logrus.Entry) *Provider {
	if props == nil {
		props = config.New()
	}
	if log == nil {
		log = logrus.WithField("component", "factory")
	}
	p := &Provider{defaultConfig: configFromProperties(props, log), log: log}
	p.logConfigurationInfo()
	return p
}

// configFromProperties maps socket properties onto a SocketConfig,
// replacing out-of-bounds timeouts with the default.
func configFromProperties(props *config.Properties, log *logrus.Entry) interfaces.SocketConfig {
	cfg := interfaces.SocketConfig{
		UseSimulation: props.Bool(config.KeySocketSimulation),
		DialTimeout:   props.Duration(config.KeySocketTimeout),
		ProxyAddress:  props.String(config.KeySocketProxy),
		ReuseAddress:  props.Bool(config.KeySocketReuse),
	}
	if cfg.DialTimeout < MinDialTimeout || cfg.DialTimeout > MaxDialTimeout {
		log.WithFields(logrus.Fields{
			"function":    "configFromProperties",
			"key":         config.KeySocketTimeout,
			"value":       cfg.DialTimeout,
			"min":         MinDialTimeout,
			"max":         MaxDialTimeout,
			"using_value": real.DefaultDialTimeout,
		}).Warn("Dial timeout out of bounds, using default")
		cfg.DialTimeout = real.DefaultDialTimeout
	}
	return cfg
}

func (p *Provider) logConfigurationInfo() {
	p.log.WithFields(logrus.Fields{
		"function":       "NewProvider",
		"use_simulation": p.defaultConfig.UseSimulation,
		"dial_timeout":   p.defaultConfig.DialTimeout,
		"proxy":          p.defaultConfig.ProxyAddress != "",
		"reuse_address":  p.defaultConfig.ReuseAddress,
	}).Info("Created socket factory provider with configuration")
}

// CreateSocketFactory creates a socket factory from the default configuration.
func (p *Provider) CreateSocketFactory() (interfaces.SocketFactory, error) {
	p.mu.RLock()
	cfg := p.defaultConfig
	p.mu.RUnlock()
	return p.CreateWithConfig(cfg)
}

// CreateWithConfig creates a socket factory from an explicit configuration.
func (p *Provider) CreateWithConfig(cfg interfaces.SocketConfig) (interfaces.SocketFactory, error) {
	if cfg.UseSimulation {
		p.log.WithFields(logrus.Fields{
			"function": "CreateWithConfig",
			"type":     "simulation",
		}).Info("Creating simulated socket factory")
		return simnet.NewSimulatedNetwork(cfg), nil
	}

	p.log.WithFields(logrus.Fields{
		"function": "CreateWithConfig",
		"type":     "real",
	}).Info("Creating TCP socket factory")
	f, err := real.NewTCPSocketFactory(cfg, p.log)
	if err != nil {
		return nil, fmt.Errorf("create TCP socket factory: %w", err)
	}
	return f, nil
}

// WithDialTimeout sets a custom dial timeout for the test configuration.
func WithDialTimeout(d time.Duration) TestConfigOption {
	return func(c *interfaces.SocketConfig) {
		c.DialTimeout = d
	}
}

// CreateSimulationForTesting creates a simulated network for tests with a
// one second dial timeout unless overridden.
func (p *Provider) CreateSimulationForTesting(opts ...TestConfigOption) *simnet.SimulatedNetwork {
	cfg := interfaces.SocketConfig{UseSimulation: true, DialTimeout: time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return simnet.NewSimulatedNetwork(cfg)
}

// SwitchToSimulation switches the default configuration to simulation.
func (p *Provider) SwitchToSimulation() {
	p.mu.Lock()
	p.defaultConfig.UseSimulation = true
	p.mu.Unlock()
	p.log.WithField("function", "SwitchToSimulation").Info("Provider switched to simulation mode")
}

// SwitchToReal switches the default configuration to real sockets.
func (p *Provider) SwitchToReal() {
	p.mu.Lock()
	p.defaultConfig.UseSimulation = false
	p.mu.Unlock()
	p.log.WithField("function", "SwitchToReal").Info("Provider switched to real mode")
}

// IsUsingSimulation returns true if the provider is configured for simulation
func (p *Provider) IsUsingSimulation() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaultConfig.UseSimulation
}

// CurrentConfig returns a copy of the default configuration.
func (p *Provider) CurrentConfig() interfaces.SocketConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaultConfig
}
