package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/banshee-data/fleet.report/internal/monitoring"
)

// DefaultMaxConnections caps concurrent device sessions per node.
const DefaultMaxConnections = 50000

// ListenerConfig configures the accept loop.
type ListenerConfig struct {
	Addr           string
	MaxConnections int
}

// Listener accepts device connections and hands each to the handler on
// its own goroutine, enforcing the connection cap at the door.
type Listener struct {
	cfg     ListenerConfig
	handler *Handler
	metrics *monitoring.Metrics
	log     *log.Logger

	mu     sync.Mutex
	active int
}

// NewListener builds a listener; zero MaxConnections means the default.
func NewListener(cfg ListenerConfig, handler *Handler, metrics *monitoring.Metrics, logger *log.Logger) *Listener {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	return &Listener{cfg: cfg, handler: handler, metrics: metrics, log: logger}
}

// Run listens on cfg.Addr and serves until ctx is cancelled. It returns
// after every in-flight connection goroutine has finished.
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.log.Info("listening for devices", "addr", ln.Addr().String())

	// Unblock Accept on shutdown.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("accept failed", "err", err)
			continue
		}

		if !l.admit() {
			// At capacity: refuse at the door so the device fails
			// over to another node instead of queueing here.
			l.metrics.RejectedConns.Add(1)
			l.log.Warn("connection rejected at capacity",
				"addr", conn.RemoteAddr().String(),
				"max", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.metrics.TotalConnections.Add(1)
		l.metrics.ActiveConnections.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.release()
			defer l.metrics.ActiveConnections.Add(-1)
			l.handler.Handle(ctx, conn)
		}()
	}
}

func (l *Listener) admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.cfg.MaxConnections {
		return false
	}
	l.active++
	return true
}

func (l *Listener) release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}
