package server

import (
	"context"
	"sync"
)

type fakeClient struct {
	mu        sync.Mutex
	timelines []TimelineRecord
	logs      map[string][]string
	appends   int
	completed []JobCompleted
	err       error

	// appending is set when AppendLog is entered, calls wait for release then
	appending chan struct{}
	release   chan struct{}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	return nil
}

func (f *fakeClient) UpdateTimeline(ctx context.Context, records []TimelineRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timelines = append(f.timelines, records...)
	return f.err
}

func (f *fakeClient) AppendLog(ctx context.Context, recordID string, lines []string) error {
	if f.release != nil {
		select {
		case f.appending <- struct{}{}:
		default:
		}

		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logs == nil {
		f.logs = map[string][]string{}
	}

	f.appends++
	f.logs[recordID] = append(f.logs[recordID], lines...)
	return f.err
}

func (f *fakeClient) RaiseCompleted(ctx context.Context, event JobCompleted) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, event)
	return f.err
}

func (f *fakeClient) Close() error {
	return nil
}
