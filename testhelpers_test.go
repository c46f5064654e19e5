package rqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/subnetmarco/rqueue"
	"github.com/subnetmarco/rqueue/client"
)

// StartPostgresContainer starts a PostgreSQL container for testing
func StartPostgresContainer(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_USER":     "testuser",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		return postgres, "", err
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		return postgres, "", err
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	return postgres, dsn, nil
}

// setupTestService starts a broker on a loopback port and shuts it down when
// the test ends.
func setupTestService(t *testing.T, mutate ...func(*rqueue.Config)) *rqueue.Service {
	t.Helper()

	cfg := rqueue.DefaultConfig()
	cfg.Threads = 4
	cfg.IdlePoll = 50 * time.Millisecond // faster shutdown checks
	cfg.GracefulDrain = time.Second
	for _, m := range mutate {
		m(&cfg)
	}

	svc, err := rqueue.New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svc.Serve(context.Background(), ln) }()
	require.Eventually(t, func() bool { return svc.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, svc.Close(ctx))
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-ctx.Done():
			t.Error("Serve did not return after Close")
		}
	})
	return svc
}

func dial(t *testing.T, svc *rqueue.Service) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, svc.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type healthWorker struct {
	Worker      int   `json:"worker"`
	Connections int64 `json:"connections"`
	Topics      int64 `json:"topics"`
	Subscribers int64 `json:"subscribers"`
	Backlog     int   `json:"backlog"`
}

type healthTopic struct {
	Topic         string `json:"topic"`
	Published     int64  `json:"published"`
	Delivered     int64  `json:"delivered"`
	WriteFailures int64  `json:"write_failures"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Totals   struct {
		Connections   int   `json:"connections"`
		Accepted      int64 `json:"accepted"`
		Published     int64 `json:"published"`
		Delivered     int64 `json:"delivered"`
		WriteFailures int64 `json:"write_failures"`
		Broadcasts    int64 `json:"broadcasts"`
		FramingErrors int64 `json:"framing_errors"`
	} `json:"totals"`
	Workers  []healthWorker `json:"workers"`
	Topics   []healthTopic  `json:"topics"`
	Postgres *struct {
		Channels []string `json:"channels"`
		Received int64    `json:"received"`
	} `json:"postgres"`
}

// health reads the snapshot through the handler Attach mounts.
func health(t *testing.T, svc *rqueue.Service) healthResponse {
	t.Helper()
	mux := http.NewServeMux()
	svc.Attach(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var h healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	return h
}

// awaitSubscribers waits until every worker holds n subscribers.
func awaitSubscribers(t *testing.T, svc *rqueue.Service, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, w := range health(t, svc).Workers {
			if w.Subscribers != n {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond, "subscriptions did not reach every worker")
}

func receive(t *testing.T, c *client.Client) client.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := c.Receive(ctx)
	require.NoError(t, err)
	return n
}

func expectSilence(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n, err := c.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no notification, got %+v (err %v)", n, err)
	}
}
