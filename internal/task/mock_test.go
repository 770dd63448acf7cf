package task

import (
	"context"

	"github.com/raffis/rageta-agent/internal/execution"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
)

type fakeRepository struct {
	definitions map[string]*Definition
	downloads   int
	extracts    int
}

func (r *fakeRepository) Load(ctx context.Context, ref v1.TaskReference) (*Definition, error) {
	def, ok := r.definitions[ref.ID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	return def, nil
}

func (r *fakeRepository) Download(ctx context.Context, ref v1.TaskReference) error {
	r.downloads++
	return nil
}

func (r *fakeRepository) Extract(ctx context.Context, ref v1.TaskReference) error {
	r.extracts++
	return nil
}

type fakeHandler struct {
	run func(ec *execution.Context, call int) error
	calls int
}

func (h *fakeHandler) Run(ec *execution.Context) error {
	h.calls++
	if h.run == nil {
		return nil
	}

	return h.run(ec, h.calls)
}

type fakeInvoker struct {
	handler     *fakeHandler
	invocations []Invocation
}

func (i *fakeInvoker) Create(ec *execution.Context, inv Invocation) (Handler, error) {
	i.invocations = append(i.invocations, inv)
	if i.handler == nil {
		i.handler = &fakeHandler{}
	}

	return i.handler, nil
}

type fakeVerifier struct {
	err error
}

func (v fakeVerifier) Verify(ctx context.Context, ref v1.TaskReference) error {
	return v.err
}
