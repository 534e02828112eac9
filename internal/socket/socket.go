package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
)

// Config describes one activation socket: the daemon listens on Address and
// starts Service on the first inbound traffic, handing the listener fd to the
// child.
type Config struct {
	Name     string `json:"name" mapstructure:"name"`
	Service  string `json:"service" mapstructure:"service"`
	Protocol string `json:"protocol" mapstructure:"protocol"` // tcp, udp, unix
	Address  string `json:"address" mapstructure:"address"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("socket name is required")
	}
	if strings.TrimSpace(c.Service) == "" {
		return fmt.Errorf("socket %s: service is required", c.Name)
	}
	switch c.Protocol {
	case "", "tcp", "udp", "unix":
	default:
		return fmt.Errorf("socket %s: unknown protocol %q", c.Name, c.Protocol)
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("socket %s: address is required", c.Name)
	}
	return nil
}

func (c *Config) protocol() string {
	if c.Protocol == "" {
		return "tcp"
	}
	return c.Protocol
}

// Starter is the slice of the manager the activator needs.
type Starter interface {
	StartWith(ctx context.Context, ref string, opts manager.StartOptions) (int, error)
	Describe(ctx context.Context, ref string) (process.Process, error)
}

// filer is satisfied by net.TCPListener, net.UnixListener and net.UDPConn:
// everything we listen with can dup its fd into an *os.File.
type filer interface {
	File() (*os.File, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Socket is one armed activation socket.
type Socket struct {
	cfg  Config
	ln   filer
	conn syscall.Conn
	addr net.Addr
}

// Addr returns the bound address; useful when the config asked for port 0.
func (s *Socket) Addr() net.Addr { return s.addr }

// Activator owns the activation sockets and their watch loops. One goroutine
// per socket serializes activations: a burst of connections while the service
// is down produces exactly one start, and the backlog is drained by the
// started service through the inherited fd.
type Activator struct {
	mgr Starter
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	socks  []*Socket
	wg     sync.WaitGroup
}

func NewActivator(mgr Starter, log *slog.Logger) *Activator {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Activator{mgr: mgr, log: log, ctx: ctx, cancel: cancel}
}

// Add opens the socket and arms its watch loop.
func (a *Activator) Add(cfg Config) (*Socket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := listen(cfg)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.socks = append(a.socks, s)
	a.mu.Unlock()
	a.wg.Add(1)
	go a.watch(s)
	a.log.Info("activation socket armed", "socket", cfg.Name, "address", s.addr.String(), "service", cfg.Service)
	return s, nil
}

// Close disarms all sockets and waits for the watch loops.
func (a *Activator) Close() error {
	a.cancel()
	a.mu.Lock()
	socks := a.socks
	a.socks = nil
	a.mu.Unlock()
	for _, s := range socks {
		_ = s.ln.SetDeadline(time.Now())
	}
	a.wg.Wait()
	var first error
	for _, s := range socks {
		if err := s.ln.Close(); err != nil && first == nil {
			first = err
		}
		if s.cfg.protocol() == "unix" {
			_ = os.Remove(s.cfg.Address)
		}
	}
	return first
}

func listen(cfg Config) (*Socket, error) {
	switch cfg.protocol() {
	case "tcp":
		ln, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("socket %s: %w", cfg.Name, err)
		}
		tl := ln.(*net.TCPListener)
		return &Socket{cfg: cfg, ln: tl, conn: tl, addr: tl.Addr()}, nil
	case "udp":
		pc, err := net.ListenPacket("udp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("socket %s: %w", cfg.Name, err)
		}
		uc := pc.(*net.UDPConn)
		return &Socket{cfg: cfg, ln: uc, conn: uc, addr: uc.LocalAddr()}, nil
	case "unix":
		// A stale socket file from a previous run blocks the bind.
		_ = os.Remove(cfg.Address)
		ln, err := net.Listen("unix", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("socket %s: %w", cfg.Name, err)
		}
		ul := ln.(*net.UnixListener)
		ul.SetUnlinkOnClose(false)
		return &Socket{cfg: cfg, ln: ul, conn: ul, addr: ul.Addr()}, nil
	}
	return nil, fmt.Errorf("socket %s: unknown protocol %q", cfg.Name, cfg.Protocol)
}

// watch is the per-socket loop: wait for readability, start the service with
// the fd, then wait for the service to exit before re-arming.
func (a *Activator) watch(s *Socket) {
	defer a.wg.Done()
	for {
		if err := waitReadable(a.ctx, s); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Warn("socket wait failed", "socket", s.cfg.Name, "error", err)
			if !sleepCtx(a.ctx, time.Second) {
				return
			}
			continue
		}
		if a.ctx.Err() != nil {
			return
		}
		a.activate(s)
		if !a.waitServiceDown(s) {
			return
		}
	}
}

// activate hands a dup of the listener fd to one start of the service.
func (a *Activator) activate(s *Socket) {
	f, err := s.ln.File()
	if err != nil {
		a.log.Warn("socket fd dup failed", "socket", s.cfg.Name, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	metrics.IncSocketActivation(s.cfg.Name)
	a.log.Info("socket activation", "socket", s.cfg.Name, "service", s.cfg.Service)
	_, err = a.mgr.StartWith(a.ctx, s.cfg.Service, manager.StartOptions{
		SocketFiles: []*os.File{f},
		SocketNames: []string{s.cfg.Name},
	})
	if err != nil && !process.IsInvalidTransition(err) {
		a.log.Warn("socket activation start failed", "socket", s.cfg.Name, "service", s.cfg.Service, "error", err)
	}
}

// waitServiceDown blocks until the activated service is no longer up, so a
// still-running service never gets a second activation. Returns false on
// shutdown.
func (a *Activator) waitServiceDown(s *Socket) bool {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return false
		case <-t.C:
		}
		p, err := a.mgr.Describe(a.ctx, s.cfg.Service)
		if err != nil {
			return true
		}
		if p.State != process.StateRunning && p.State != process.StateStarting {
			return true
		}
	}
}

// waitReadable blocks until the socket has pending traffic, without accepting
// anything. The raw read callback is invoked once immediately and again after
// the poller reports readability; returning true on the second call hands the
// still-unaccepted connection to the service.
func waitReadable(ctx context.Context, s *Socket) error {
	_ = s.ln.SetDeadline(time.Time{})
	rc, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.ln.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	calls := 0
	return rc.Read(func(fd uintptr) bool {
		calls++
		return calls > 1
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
