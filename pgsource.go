package rqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// pgSource bridges Postgres LISTEN/NOTIFY into the broker: every
// notification on a listened channel is published with the channel name as
// topic and the payload as body. It only ingests; subscription state never
// leaves the process.
type pgSource struct {
	dsn      string
	channels []string
	retry    time.Duration
	appName  string
	inject   func(ctx context.Context, topic, body []byte) error
	log      *slog.Logger

	received atomic.Int64
	lastNote atomic.Int64
}

// run keeps one LISTEN connection open until ctx is done, reconnecting after
// retry whenever it fails.
func (p *pgSource) run(ctx context.Context) error {
	for {
		err := p.listen(ctx)
		if ctx.Err() != nil || errors.Is(err, ErrDraining) {
			return nil
		}
		p.log.Warn("postgres listen error, retrying",
			slog.Any("error", err),
			slog.Duration("retry", p.retry),
		)
		t := time.NewTimer(p.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (p *pgSource) listen(ctx context.Context) error {
	cfg, err := pgx.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	if p.appName != "" {
		cfg.RuntimeParams["application_name"] = p.appName
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, ch := range p.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("LISTEN %s failed: %w", ch, err)
		}
	}
	p.log.Info("postgres listening", slog.Any("channels", p.channels))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		p.received.Add(1)
		p.lastNote.Store(time.Now().UnixNano())

		if err := p.inject(ctx, []byte(n.Channel), []byte(n.Payload)); err != nil {
			if errors.Is(err, ErrDraining) || ctx.Err() != nil {
				return err
			}
			p.log.Warn("dropping postgres notification",
				slog.String("channel", n.Channel),
				slog.Int("payload_bytes", len(n.Payload)),
				slog.Any("error", err),
			)
		}
	}
}

func (p *pgSource) lastNotificationAt() time.Time {
	ns := p.lastNote.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
