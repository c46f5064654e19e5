package rqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// Attach registers the health snapshot handler on mux at cfg.HealthPath.
func (s *Service) Attach(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.HealthPath, s.handleHealthz())
}

func (s *Service) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	s.Attach(mux)
	srv := &http.Server{
		Addr:              s.cfg.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("health endpoint listening", slog.String("addr", s.cfg.HealthAddr), slog.String("path", s.cfg.HealthPath))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rqueue: health server: %w", err)
	}
	return nil
}

type topicSnapshot struct {
	Topic         string `json:"topic"`
	Published     int64  `json:"published"`
	Delivered     int64  `json:"delivered"`
	WriteFailures int64  `json:"write_failures"`
}

type workerSnapshot struct {
	Worker      int   `json:"worker"`
	Connections int64 `json:"connections"`
	Topics      int64 `json:"topics"`
	Subscribers int64 `json:"subscribers"`
	Backlog     int   `json:"backlog"`
	Dispatched  int64 `json:"dispatched"`
}

type totalsSnapshot struct {
	Connections   int   `json:"connections"`
	Accepted      int64 `json:"accepted"`
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	WriteFailures int64 `json:"write_failures"`
	Broadcasts    int64 `json:"broadcasts"`
	FramingErrors int64 `json:"framing_errors"`
	UnknownTypes  int64 `json:"unknown_types"`

	// publishes delivered to topics beyond MaxTrackedTopics
	UntrackedPublishes int64 `json:"untracked_publishes"`
}

type postgresSnapshot struct {
	Channels           []string `json:"channels"`
	Received           int64    `json:"received"`
	LastNotificationAt string   `json:"last_notification_at"`
}

type healthSnapshot struct {
	Status       string            `json:"status"`
	Instance     string            `json:"instance"`
	Now          string            `json:"now"`
	Uptime       string            `json:"uptime"`
	Totals       totalsSnapshot    `json:"totals"`
	Workers      []workerSnapshot  `json:"workers"`
	Topics       []topicSnapshot   `json:"topics"`
	Postgres     *postgresSnapshot `json:"postgres,omitempty"`
	GoVersion    string            `json:"go_version"`
	NumGoroutine int               `json:"num_goroutine"`
}

func (s *Service) snapshot() healthSnapshot {
	status := "ok"
	switch {
	case s.draining.Load():
		status = "draining"
	case !s.serving.Load():
		status = "idle"
	}

	var tot totalsSnapshot
	tot.Published, tot.Delivered, tot.WriteFailures, tot.Broadcasts = s.stats.totals.snapshot()
	tot.Connections = s.conns.Len()
	tot.Accepted = s.stats.accepted.Load()
	tot.FramingErrors = s.stats.framingErrors.Load()
	tot.UnknownTypes = s.stats.unknownTypes.Load()
	tot.UntrackedPublishes = s.stats.untracked.Load()

	workers := make([]workerSnapshot, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, workerSnapshot{
			Worker:      w.id,
			Connections: w.connections.Load(),
			Topics:      w.topics.Load(),
			Subscribers: w.subscribers.Load(),
			Backlog:     w.backlog(),
			Dispatched:  w.dispatched.Load(),
		})
	}

	topics := make([]topicSnapshot, 0, s.stats.topics.Len())
	s.stats.topics.Range(func(topic []byte, ts *topicStats) bool {
		topics = append(topics, topicSnapshot{
			Topic:         string(topic),
			Published:     ts.published.Load(),
			Delivered:     ts.delivered.Load(),
			WriteFailures: ts.writeFailures.Load(),
		})
		return true
	})
	sort.Slice(topics, func(i, j int) bool { return topics[i].Topic < topics[j].Topic })

	snap := healthSnapshot{
		Status:       status,
		Instance:     s.id.String(),
		Now:          time.Now().Format(time.RFC3339Nano),
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Totals:       tot,
		Workers:      workers,
		Topics:       topics,
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
	}
	if s.pg != nil {
		snap.Postgres = &postgresSnapshot{
			Channels: s.pg.channels,
			Received: s.pg.received.Load(),
			LastNotificationAt: func() string {
				t := s.pg.lastNotificationAt()
				if t.IsZero() {
					return ""
				}
				return t.Format(time.RFC3339Nano)
			}(),
		}
	}
	return snap
}

func (s *Service) handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := s.snapshot()
		w.Header().Set("Content-Type", "application/json")
		if snap.Status == "draining" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	}
}
