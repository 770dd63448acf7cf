package logagg

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/raffis/rageta-agent/internal/execution"
)

type record struct {
	at   time.Time
	step string
	line string
}

type Option func(*Aggregator)

func WithLogger(log logr.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// WithBuffer sets the number of lines which may be queued before writers block.
func WithBuffer(size int) Option {
	return func(a *Aggregator) {
		a.buffer = size
	}
}

// Aggregator writes the output of every step of a job into one gzip compressed log file.
// It is registered as a sink of the job and drained by a background goroutine.
type Aggregator struct {
	dir    string
	buffer int
	log    logr.Logger

	mu      sync.Mutex
	path    string
	records chan record
	closed  bool
	done    chan error
}

func New(dir string, opts ...Option) *Aggregator {
	a := &Aggregator{
		dir:    dir,
		buffer: 1024,
		log:    logr.Discard(),
	}

	for _, o := range opts {
		o(a)
	}

	return a
}

// Path returns the log file, empty before Start.
func (a *Aggregator) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

func (a *Aggregator) Start(ec *execution.Context, steps []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.records != nil {
		return errors.New("log aggregation already started")
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}

	a.path = filepath.Join(a.dir, fmt.Sprintf("job_%s_%s.log.gz", ec.JobID(), time.Now().UTC().Format("20060102-150405")))
	f, err := os.Create(a.path)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(f)
	w := bufio.NewWriter(gz)
	fmt.Fprintf(w, "Job %s\n", ec.JobID())
	for i, step := range steps {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}

	a.records = make(chan record, a.buffer)
	a.done = make(chan error, 1)
	go a.drain(f, gz, w)

	ec.AddSink(a)
	return nil
}

func (a *Aggregator) drain(f *os.File, gz *gzip.Writer, w *bufio.Writer) {
	var err error
	for r := range a.records {
		if err != nil {
			continue
		}

		_, err = fmt.Fprintf(w, "%s [%s] %s\n", r.at.UTC().Format(time.RFC3339Nano), r.step, r.line)
	}

	a.done <- errors.Join(err, w.Flush(), gz.Close(), f.Close())
}

func (a *Aggregator) send(r record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.records == nil || a.closed {
		return
	}

	a.records <- r
}

func (a *Aggregator) Output(c *execution.Context, line string) {
	if !c.ForwardsOutput() {
		return
	}

	a.send(record{at: time.Now(), step: c.DisplayName(), line: line})
}

func (a *Aggregator) Completed(c *execution.Context) {
	result := execution.Succeeded
	if r := c.Result(); r != nil {
		result = *r
	}

	a.send(record{at: time.Now(), step: c.DisplayName(), line: fmt.Sprintf("completed with result %s", result)})
}

// Wait stops accepting lines and blocks until the log file has been written.
func (a *Aggregator) Wait() error {
	a.mu.Lock()
	if a.records == nil {
		a.mu.Unlock()
		return nil
	}

	if a.closed {
		a.mu.Unlock()
		return nil
	}

	a.closed = true
	close(a.records)
	a.mu.Unlock()

	err := <-a.done
	a.log.V(1).Info("job log aggregated", "path", a.path, "error", err)
	return err
}
