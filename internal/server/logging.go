package server

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
)

// LoggingClient reports to the agent log and writes step output to w. It is used when a job runs
// without a server.
type LoggingClient struct {
	mu  sync.Mutex
	w   io.Writer
	log logr.Logger
}

func NewLoggingClient(log logr.Logger, w io.Writer) *LoggingClient {
	return &LoggingClient{log: log, w: w}
}

func (c *LoggingClient) Connect(ctx context.Context) error {
	return nil
}

func (c *LoggingClient) UpdateTimeline(ctx context.Context, records []TimelineRecord) error {
	for _, r := range records {
		if r.Result == nil {
			c.log.V(1).Info("step started", "step", r.Name)
			continue
		}

		c.log.Info("step completed", "step", r.Name, "result", *r.Result, "issues", len(r.Issues))
	}

	return nil
}

func (c *LoggingClient) AppendLog(ctx context.Context, recordID string, lines []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, line := range lines {
		if _, err := fmt.Fprintf(c.w, "[%s] %s\n", recordID, line); err != nil {
			return err
		}
	}

	return nil
}

func (c *LoggingClient) RaiseCompleted(ctx context.Context, event JobCompleted) error {
	c.log.Info("job completed", "job", event.JobID, "result", event.Result)
	return nil
}

func (c *LoggingClient) Close() error {
	return nil
}
