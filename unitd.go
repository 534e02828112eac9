// Package unitd exposes the process supervisor for embedding: create process
// definitions, start and stop them with dependency resolution, and observe
// their state. The unitd binary under cmd/unitd is a thin shell over this
// package plus the HTTP control plane.
package unitd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/unitd/internal/config"
	"github.com/loykin/unitd/internal/executor"
	"github.com/loykin/unitd/internal/health"
	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/server"
	"github.com/loykin/unitd/internal/socket"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/store/factory"
)

// Re-exported core types. Aliases, so conversions are zero-cost.

type Process = process.Process

type State = process.State

type HealthCheck = process.HealthCheck

type ResourceLimits = process.ResourceLimits

type Usage = executor.Usage

type HistorySink = history.Sink

type StoreConfig = factory.Config

type SocketConfig = socket.Config

type DaemonConfig = config.Daemon

// Supervisor is the embeddable facade over the internal manager.
type Supervisor struct {
	inner *manager.Manager
	st    store.Store
}

type options struct {
	store   store.Store
	exec    executor.Executor
	checker health.Checker
	log     *slog.Logger
	cfg     manager.Config
	sinks   []history.Sink
}

// Option customizes a Supervisor.
type Option func(*options)

// WithStore uses a caller-provided repository instead of the in-memory one.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithExecutor substitutes the OS executor, mainly for tests.
func WithExecutor(e executor.Executor) Option { return func(o *options) { o.exec = e } }

// WithChecker substitutes the health probe implementation.
func WithChecker(c health.Checker) Option { return func(o *options) { o.checker = c } }

// WithLogger sets the structured logger; defaults to slog.Default.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithLogDir captures child stdout/stderr under dir with rotation.
func WithLogDir(dir string) Option { return func(o *options) { o.cfg.LogDir = dir } }

// WithRuntimeRoot sets the base directory for runtime_directory entries.
func WithRuntimeRoot(dir string) Option { return func(o *options) { o.cfg.RuntimeRoot = dir } }

// WithHistorySinks forwards lifecycle events to the given sinks.
func WithHistorySinks(sinks ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// New builds a Supervisor. Without options it runs on the in-memory store
// and the real OS executor.
func New(opts ...Option) (*Supervisor, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = store.NewMemory()
	}
	if o.exec == nil {
		o.exec = executor.NewOS()
	}
	if o.checker == nil {
		o.checker = health.NewProbeChecker()
	}
	if err := o.store.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	m := manager.New(o.store, o.exec, o.checker, o.log, o.cfg)
	if len(o.sinks) > 0 {
		m.SetHistorySinks(o.sinks...)
	}
	return &Supervisor{inner: m, st: o.store}, nil
}

// NewWithStoreConfig builds a Supervisor backed by the configured store
// (memory, sqlite or postgres).
func NewWithStoreConfig(sc StoreConfig, opts ...Option) (*Supervisor, error) {
	st, err := factory.New(sc)
	if err != nil {
		return nil, err
	}
	return New(append([]Option{WithStore(st)}, opts...)...)
}

func (s *Supervisor) Create(ctx context.Context, p Process) (Process, error) {
	return s.inner.Create(ctx, p)
}

func (s *Supervisor) CreateFromCommand(ctx context.Context, name, command string) (Process, error) {
	return s.inner.CreateFromCommand(ctx, name, command)
}

func (s *Supervisor) Start(ctx context.Context, ref string) (int, error) {
	return s.inner.Start(ctx, ref)
}

func (s *Supervisor) Stop(ctx context.Context, ref string, signal int) ([]string, error) {
	return s.inner.Stop(ctx, ref, signal)
}

func (s *Supervisor) Update(ctx context.Context, ref string, def Process) (Process, error) {
	return s.inner.Update(ctx, ref, def)
}

func (s *Supervisor) Delete(ctx context.Context, ref string) error {
	return s.inner.Delete(ctx, ref)
}

func (s *Supervisor) Describe(ctx context.Context, ref string) (Process, error) {
	return s.inner.Describe(ctx, ref)
}

func (s *Supervisor) List(ctx context.Context) ([]Process, error) {
	return s.inner.List(ctx)
}

func (s *Supervisor) Usage(ctx context.Context, ref string) (Usage, error) {
	return s.inner.Usage(ctx, ref)
}

// NewSocketActivator arms listening sockets that start their service on the
// first inbound connection.
func (s *Supervisor) NewSocketActivator(log *slog.Logger) *socket.Activator {
	return socket.NewActivator(s.inner, log)
}

// Close stops supervision loops and releases the store. Managed children
// keep running.
func (s *Supervisor) Close() error {
	s.inner.Shutdown()
	return s.st.Close()
}

// NewHTTPServer starts the HTTP control plane on addr for this supervisor.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return server.NewServer(addr, basePath, s.inner)
}

// LoadDaemonConfig reads the daemon YAML configuration from path; an empty
// path yields the defaults.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	return config.LoadDaemon(path)
}

// LoadProcessFiles reads per-process YAML definitions from dir.
func LoadProcessFiles(dir string) ([]Process, error) {
	return config.LoadProcesses(dir)
}

// LoadSocketFiles reads *.socket.yaml activation definitions from dir.
func LoadSocketFiles(dir string) ([]SocketConfig, error) {
	return config.LoadSockets(dir)
}

// Metrics helpers.

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
