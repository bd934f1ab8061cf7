package manager

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/manager/allocator"
	"github.com/labipam/labipam/manager/collector"
	"github.com/labipam/labipam/manager/httpapi"
	"github.com/labipam/labipam/manager/state/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Manager is the high-level object holding and initializing the store, the
// allocation engine and the servers in front of it.
type Manager struct {
	config *Config

	store     store.Store
	allocator *allocator.Allocator
	collector *collector.Collector
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
	running  bool

	managerDone chan struct{}
}

// OpenStore opens the store selected by the configuration.
func OpenStore(config *Config) (store.Store, error) {
	switch config.Store.Driver {
	case DriverMemory:
		return store.NewMemoryStore(config.storeOptions()), nil
	case DriverBolt:
		s, err := store.OpenBolt(config.Store.Path, config.storeOptions())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown store driver %q", config.Store.Driver)
	}
}

// NewAllocator opens the store and returns an allocator on top of it. The
// caller closes both.
func NewAllocator(ctx context.Context, config *Config) (*allocator.Allocator, store.Store, error) {
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	network, err := config.Network()
	if err != nil {
		return nil, nil, err
	}
	allocatorConfig, err := config.allocatorConfig(network)
	if err != nil {
		return nil, nil, err
	}

	s, err := OpenStore(config)
	if err != nil {
		return nil, nil, err
	}
	a, err := allocator.New(ctx, s, allocatorConfig)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return a, s, nil
}

// New creates a Manager which has not started to accept requests yet.
func New(ctx context.Context, config *Config) (*Manager, error) {
	a, s, err := NewAllocator(ctx, config)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:      config,
		store:       s,
		allocator:   a,
		collector:   collector.NewCollector(a),
		managerDone: make(chan struct{}),
	}
	m.server = &http.Server{
		Handler:           httpapi.New(ctx, a, config.httpConfig()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return m, nil
}

// Allocator returns the allocation engine.
func (m *Manager) Allocator() *allocator.Allocator {
	return m.allocator
}

// Addr returns the address the HTTP API listens on, or nil if Run has not
// started listening yet.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Run starts the collector and serves the HTTP API at the configured
// address. The call never returns unless an error occurs or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	ctx = log.WithModule(ctx, "manager")

	lis := m.config.Listener
	if lis == nil {
		l, err := net.Listen("tcp", m.config.ListenAddr)
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		lis = l
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		lis.Close()
		return errors.New("manager is already running")
	}
	m.running = true
	m.listener = lis
	m.mu.Unlock()
	defer close(m.managerDone)

	go func() {
		if err := m.collector.Run(ctx); err != nil && err != context.Canceled {
			log.G(ctx).WithError(err).Error("collector exited with an error")
		}
	}()

	log.G(ctx).WithFields(logrus.Fields{
		"addr":    lis.Addr().String(),
		"network": m.allocator.Filter().Network(),
		"store":   m.config.Store.Driver,
	}).Info("listening")

	if err := m.server.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server, waits for Run to return and closes
// the engine and the store.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	if running {
		if err := m.server.Shutdown(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("failed to shut down HTTP server gracefully")
			m.server.Close()
		}
		<-m.managerDone
		m.collector.Stop()
	}

	if err := m.allocator.Close(); err != nil {
		log.G(ctx).WithError(err).Warn("failed to close allocator")
	}
	return m.store.Close()
}
