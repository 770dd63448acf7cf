package server

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/execution"
)

type feedback struct {
	record   string
	line     string
	timeline *TimelineRecord
}

type ReporterOption func(*Reporter)

func WithReporterLogger(log logr.Logger) ReporterOption {
	return func(r *Reporter) {
		r.log = log
	}
}

// WithRequestTimeout bounds every request sent by the reporter.
func WithRequestTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.timeout = d
	}
}

// WithQueueSize sets how many feedback entries are buffered before producers wait.
func WithQueueSize(size int) ReporterOption {
	return func(r *Reporter) {
		r.size = size
	}
}

// Reporter is the job sink queueing step output and timeline updates for the server. Delivery
// is best-effort, failed requests are logged.
type Reporter struct {
	client  Client
	log     logr.Logger
	timeout time.Duration
	size    int

	// mu guards closing queue, pushers share it while they wait for room.
	mu       sync.RWMutex
	queue    chan feedback
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
	drained  chan struct{}
}

func NewReporter(client Client, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		client:  client,
		log:     logr.Discard(),
		timeout: 30 * time.Second,
		size:    4096,
		stop:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	for _, o := range opts {
		o(r)
	}

	r.queue = make(chan feedback, r.size)

	go r.run()
	return r
}

// push queues f. With a full queue it waits for room until ctx ends or the reporter is flushed,
// the feedback is dropped then.
func (r *Reporter) push(ctx context.Context, f feedback) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	select {
	case r.queue <- f:
		return
	default:
	}

	select {
	case r.queue <- f:
	case <-ctx.Done():
		r.log.V(1).Info("dropped feedback, report queue is full", "record", f.record)
	case <-r.stop:
	}
}

func (r *Reporter) Output(c *execution.Context, line string) {
	r.push(c.Context(), feedback{record: c.ID(), line: line})
}

func (r *Reporter) Completed(c *execution.Context) {
	record := NewRecord(c)
	r.push(context.WithoutCancel(c.Context()), feedback{record: c.ID(), timeline: &record})
}

func (r *Reporter) run() {
	defer close(r.drained)

	var pending feedback
	var hasPending bool
	for {
		f := pending
		if !hasPending {
			var ok bool
			if f, ok = <-r.queue; !ok {
				return
			}
		}

		hasPending = false
		if f.timeline != nil {
			r.send("timeline", func(ctx context.Context) error {
				return r.client.UpdateTimeline(ctx, []TimelineRecord{*f.timeline})
			})

			continue
		}

		// batch consecutive lines of the same record
		lines := []string{f.line}
	batch:
		for {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break batch
				}

				if next.timeline != nil || next.record != f.record {
					pending, hasPending = next, true
					break batch
				}

				lines = append(lines, next.line)
			default:
				break batch
			}
		}

		r.send("log", func(ctx context.Context) error {
			return r.client.AppendLog(ctx, f.record, lines)
		})
	}
}

func (r *Reporter) send(kind string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		r.log.V(1).Info("failed to report to server", "kind", kind, "error", err.Error())
	}
}

// Flush stops accepting feedback and waits until everything queued has been sent or ctx ends.
func (r *Reporter) Flush(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
