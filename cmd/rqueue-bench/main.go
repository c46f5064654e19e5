// Command rqueue-bench measures broker throughput.
//
//	rqueue-bench -mode push -n 1000000 -size 1000     # publish as fast as possible
//	rqueue-bench -mode sink                           # subscribe and report bytes/sec
//	rqueue-bench -mode pubsub -subs 4 -n 100000       # both, in one process
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/subnetmarco/rqueue"
	"github.com/subnetmarco/rqueue/client"
)

type options struct {
	addr   string
	mode   string
	topic  string
	n      int
	size   int
	subs   int
	report int
}

func main() {
	var o options
	flag.StringVar(&o.addr, "addr", "127.0.0.1:6567", "broker address")
	flag.StringVar(&o.mode, "mode", "pubsub", "push, sink or pubsub")
	flag.StringVar(&o.topic, "topic", "\x03\x03\x03\x03", "topic to publish on")
	flag.IntVar(&o.n, "n", 100000, "messages to publish (push, pubsub)")
	flag.IntVar(&o.size, "size", 1000, "body size in bytes")
	flag.IntVar(&o.subs, "subs", 1, "subscriber connections (pubsub)")
	flag.IntVar(&o.report, "report", 2000, "print a line every this many received messages (sink)")
	flag.Parse()

	log := rqueue.InitLogger(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch o.mode {
	case "push":
		err = push(ctx, o)
	case "sink":
		err = sink(ctx, o, 0, nil)
	case "pubsub":
		err = pubsub(ctx, o)
	default:
		err = fmt.Errorf("unknown mode %q", o.mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("bench failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func push(ctx context.Context, o options) error {
	c, err := client.Dial(ctx, o.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	body := make([]byte, o.size)
	start := time.Now()
	for i := 0; i < o.n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Publish(o.topic, body); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("published %d messages of %d bytes in %s (%.0f msg/sec)\n",
		o.n, o.size, elapsed, float64(o.n)/elapsed.Seconds())
	return nil
}

// sink subscribes and prints throughput until ctx ends, or until want
// messages arrived when want is positive. subscribed is called once the
// subscription has been sent.
func sink(ctx context.Context, o options, want int64, subscribed func()) error {
	c, err := client.Dial(ctx, o.addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Subscribe(o.topic); err != nil {
		return err
	}
	if subscribed != nil {
		subscribed()
	}

	var count, bytes int64
	var start time.Time
	for {
		n, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if count == 0 {
			start = time.Now()
		}
		count++
		bytes += int64(len(n.Body))
		if o.report > 0 && count%int64(o.report) == 0 {
			secs := time.Since(start).Seconds()
			fmt.Printf("%.0f bytes/sec, count: %d over %.2f secs\n", float64(bytes)/secs, count, secs)
		}
		if want > 0 && count == want {
			return nil
		}
	}
}

func pubsub(ctx context.Context, o options) error {
	eg, ctx := errgroup.WithContext(ctx)

	var ready sync.WaitGroup
	ready.Add(o.subs)
	so := o
	so.report = 0
	for i := 0; i < o.subs; i++ {
		eg.Go(func() error {
			var once sync.Once
			defer once.Do(ready.Done)
			return sink(ctx, so, int64(o.n), func() { once.Do(ready.Done) })
		})
	}
	ready.Wait()
	// give the subscriptions time to reach every worker
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	eg.Go(func() error { return push(ctx, o) })
	if err := eg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	total := o.n * o.subs
	fmt.Printf("delivered %d notifications to %d subscribers in %s (%.0f msg/sec)\n",
		total, o.subs, elapsed, float64(total)/elapsed.Seconds())
	return nil
}
