// Package rqueue is a topic-based publish/subscribe broker speaking a small
// length-prefixed binary protocol over TCP (see package protocol).
//
// Clients subscribe to topics and publish notifications; every notification
// is forwarded to all current subscribers of its topic. Nothing is persisted:
// a client that is not connected misses what is published meanwhile.
//
// Features
//   - N worker goroutines, each owning a private shard of subscription state
//   - Subscription changes replicated to every worker over a full mesh of
//     unbounded in-process links
//   - Connections assigned round-robin, one reader goroutine per connection
//   - Optional Postgres LISTEN bridge turning NOTIFY into notifications
//   - Health snapshot handler (in-memory counters, per instance)
//
// A subscribe accepted by one worker reaches its siblings asynchronously, so
// a notification published on another worker immediately afterwards may not
// yet see it.
package rqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/subnetmarco/rqueue/internal/keyindex"
	"github.com/subnetmarco/rqueue/protocol"
)

// ---------- Public Service API ----------

type Service struct {
	cfg     Config
	log     *slog.Logger
	id      uuid.UUID
	started time.Time

	workers []*worker
	conns   *keyindex.Concurrent[*Conn]
	stats   *stats
	pg      *pgSource // nil when the bridge is disabled
	gen     atomic.Uint64
	rr      atomic.Uint64

	mu      sync.Mutex
	ln      net.Listener
	cancel  context.CancelFunc
	closed  bool
	done    chan struct{}
	readers sync.WaitGroup

	serving  atomic.Bool
	draining atomic.Bool
}

// New creates the service. Nothing runs until Serve or ListenAndServe.
func New(cfg Config) (*Service, error) {
	cfg = cfg.normalize()
	if cfg.PostgresDSN != "" && len(cfg.PostgresChannels) == 0 {
		return nil, errors.New("rqueue: PostgresChannels required with PostgresDSN")
	}

	st := newStats()
	st.maxTopics = cfg.MaxTrackedTopics
	s := &Service{
		cfg:     cfg,
		log:     cfg.Logger,
		id:      uuid.New(),
		started: time.Now(),
		workers: newPool(cfg.Threads, cfg.InboxSize, st, cfg.Logger),
		conns:   keyindex.NewConcurrent[*Conn](),
		stats:   st,
		done:    make(chan struct{}),
	}
	if cfg.PostgresDSN != "" {
		s.pg = &pgSource{
			dsn:      cfg.PostgresDSN,
			channels: cfg.PostgresChannels,
			retry:    cfg.PostgresRetry,
			appName:  "rqueue-" + s.id.String(),
			inject:   s.Publish,
			log:      cfg.Logger.With(slog.String("component", "pgsource")),
		}
	}
	return s, nil
}

// InstanceID identifies this broker process in logs and health output.
func (s *Service) InstanceID() uuid.UUID { return s.id }

// Addr returns the listener's address, or nil before Serve.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on cfg.Addr() and calls Serve.
func (s *Service) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("rqueue: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and runs the workers, the health server
// and the Postgres bridge until ctx is done or Close is called. It returns
// nil on a clean shutdown; an error means the broker could not keep
// accepting connections.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	if s.ln != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("rqueue: already serving")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.ln, s.cancel = ln, cancel
	s.serving.Store(true)
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	s.log.Info("rqueue serving",
		slog.String("addr", ln.Addr().String()),
		slog.Int("workers", len(s.workers)),
		slog.String("instance", s.id.String()),
	)

	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		eg.Go(func() error { return w.run(ctx) })
	}
	eg.Go(func() error { return s.acceptLoop(ctx, ln) })
	eg.Go(func() error {
		<-ctx.Done()
		s.draining.Store(true)
		_ = ln.Close()
		s.closeConns()
		return nil
	})
	if s.cfg.HealthAddr != "" {
		eg.Go(func() error { return s.serveHealth(ctx) })
	}
	if s.pg != nil {
		eg.Go(func() error { return s.pg.run(ctx) })
	}

	err := eg.Wait()
	s.serving.Store(false)
	s.readers.Wait()
	s.log.Info("rqueue stopped", slog.String("instance", s.id.String()))
	return err
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.draining.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", slog.Any("error", err))
			return fmt.Errorf("rqueue: accept: %w", err)
		}

		w := s.workers[s.pick()]
		c := newConn(nc, s.gen.Add(1), w.id, s.cfg.OutboxSize, s.cfg.WriteTimeout)
		s.conns.Insert(c.key, c)
		w.connections.Add(1)
		s.stats.accepted.Add(1)
		s.log.Debug("connection accepted", slog.String("conn", c.id.String()), slog.Int("worker", w.id))

		s.readers.Add(2)
		go func() {
			defer s.readers.Done()
			c.writeLoop(s.log)
		}()
		go func() {
			defer s.readers.Done()
			s.readLoop(ctx, c, w)
		}()
	}
}

// pick returns the next worker index, round-robin.
func (s *Service) pick() int {
	return int((s.rr.Add(1) - 1) % uint64(len(s.workers)))
}

func (s *Service) closeConns() {
	var open []*Conn
	s.conns.Range(func(_ []byte, c *Conn) bool {
		open = append(open, c)
		return true
	})
	for _, c := range open {
		_ = c.Close()
	}
}

// Publish delivers body to every subscriber of topic, as if a client had
// published it. It blocks only while the chosen worker's inbox is full.
func (s *Service) Publish(ctx context.Context, topic, body []byte) error {
	if s.draining.Load() {
		return ErrDraining
	}
	if !s.serving.Load() {
		return ErrNotServing
	}
	if len(topic) > protocol.MaxTopicSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidTopic, len(topic))
	}
	if n := 1 + len(topic) + len(body); n > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, protocol.MaxPayloadSize)
	}

	m := &message{
		typ:   protocol.TypeNotification,
		topic: bytes.Clone(topic),
		body:  bytes.Clone(body),
	}
	w := s.workers[s.pick()]
	select {
	case w.events <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting connections, gives the workers and connection
// writers up to GracefulDrain to work off their backlog, then closes every
// connection and waits for Serve to return.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln, cancel := s.ln, s.cancel
	s.mu.Unlock()

	s.draining.Store(true)
	if cancel == nil {
		return nil
	}
	_ = ln.Close()

	// drain backlogs (bounded)
	deadline := time.Now().Add(s.cfg.GracefulDrain)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if s.idle() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rqueue: close: %w", ctx.Err())
	}
}

// idle reports whether every worker backlog and every outbound queue is
// empty.
func (s *Service) idle() bool {
	for _, w := range s.workers {
		if w.backlog() > 0 {
			return false
		}
	}
	empty := true
	s.conns.Range(func(_ []byte, c *Conn) bool {
		empty = c.queued() == 0
		return empty
	})
	return empty
}
