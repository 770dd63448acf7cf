package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/mask"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"k8s.io/utils/ptr"
)

// Sink receives output and completion records of every context in a job.
type Sink interface {
	Output(c *Context, line string)
	Completed(c *Context)
}

type job struct {
	mu              sync.Mutex
	id              string
	planID          string
	endpoints       []v1.ServiceEndpoint
	repositories    []v1.RepositoryResource
	secureFiles     []v1.SecureFile
	sinks           []Sink
	processLookupID string
}

// Context is a node in the execution tree of a job. The root belongs to the job, each step owns
// a child.
type Context struct {
	mu            sync.Mutex
	id            string
	displayName   string
	parent        *Context
	job           *job
	ctx           context.Context
	cancel        context.CancelCauseFunc
	logger        logr.Logger
	result        *Result
	issues        []Issue
	restrictions  []v1.TaskRestrictions
	forwardOutput bool
	children      []*Context
	completed     bool
	forceComplete chan struct{}
	startedAt     time.Time
	finishedAt    time.Time

	Variables *Variables
}

type JobOptions struct {
	JobID        string
	PlanID       string
	DisplayName  string
	Endpoints    []v1.ServiceEndpoint
	Repositories []v1.RepositoryResource
	SecureFiles  []v1.SecureFile
	Secrets      *mask.SecretStore
	Logger       logr.Logger

	// Variables is used as the root scope if set, otherwise a new one is created from Secrets.
	Variables *Variables
}

// NewJobContext creates the root of a job. The job is canceled once ctx is done.
func NewJobContext(ctx context.Context, opts JobOptions) *Context {
	ctx, cancel := context.WithCancelCause(ctx)
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	variables := opts.Variables
	if variables == nil {
		variables = NewVariables(opts.Secrets)
	}

	return &Context{
		id:            opts.JobID,
		displayName:   opts.DisplayName,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.WithValues("job", opts.JobID),
		startedAt:     time.Now(),
		Variables:     variables,
		forwardOutput: true,
		job: &job{
			id:           opts.JobID,
			planID:       opts.PlanID,
			endpoints:    opts.Endpoints,
			repositories: opts.Repositories,
			secureFiles:  opts.SecureFiles,
		},
	}
}

type ChildOption func(*Context)

func WithRestrictions(restrictions ...v1.TaskRestrictions) ChildOption {
	return func(c *Context) {
		c.restrictions = append(c.restrictions, restrictions...)
	}
}

func WithOutputForwarding(forward bool) ChildOption {
	return func(c *Context) {
		c.forwardOutput = forward
	}
}

// CreateChild creates a step context. Its cancellation derives from this context and its
// variables overlay the parent variables.
func (c *Context) CreateChild(id, displayName string, opts ...ChildOption) *Context {
	ctx, cancel := context.WithCancelCause(c.ctx)
	child := &Context{
		id:            id,
		displayName:   displayName,
		parent:        c,
		job:           c.job,
		ctx:           ctx,
		cancel:        cancel,
		logger:        c.logger.WithValues("step", displayName),
		Variables:     c.Variables.Child(),
		forwardOutput: c.forwardOutput,
	}

	for _, opt := range opts {
		opt(child)
	}

	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()

	return child
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) DisplayName() string {
	return c.displayName
}

func (c *Context) Parent() *Context {
	return c.parent
}

func (c *Context) Root() *Context {
	root := c
	for root.parent != nil {
		root = root.parent
	}

	return root
}

func (c *Context) Logger() logr.Logger {
	return c.logger
}

// Context returns the cancellation scope for blocking operations of this node.
func (c *Context) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return logr.NewContext(c.ctx, c.logger)
}

func (c *Context) Cancel(cause error) {
	c.cancel(cause)
}

// Err returns the cancellation cause if the context has been canceled.
func (c *Context) Err() error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	if ctx.Err() == nil {
		return nil
	}

	return context.Cause(ctx)
}

func (c *Context) IsCanceled() bool {
	return c.Err() != nil
}

// Detach gives the node a fresh cancellation scope which no longer follows the job
// cancellation. Used for steps which must run after the job got canceled.
func (c *Context) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancelCause(context.WithoutCancel(c.ctx))
	c.ctx, c.cancel = ctx, cancel
}

// SetTimeout bounds the node by d. The returned func releases the timer.
func (c *Context) SetTimeout(d time.Duration) context.CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeoutCause(c.ctx, d, fmt.Errorf("%w after %s", ErrTimeout, d))
	c.ctx = ctx
	return cancel
}

var ErrTimeout = errors.New("step timed out")

// IsCancellation reports whether err is caused by a cancellation or a timeout.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTimeout)
}

func (c *Context) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}

	return ptr.To(*c.result)
}

func (c *Context) SetResult(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = ptr.To(result)
}

// MergeResult merges result into the current one keeping the more severe outcome.
func (c *Context) MergeResult(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = MergeResults(c.result, result)
}

func (c *Context) ClearResult() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = nil
}

func (c *Context) AddIssue(issue Issue) {
	issue.Message = c.Variables.Secrets().Mask(issue.Message)

	c.mu.Lock()
	c.issues = append(c.issues, issue)
	c.mu.Unlock()

	switch issue.Type {
	case IssueTypeError:
		c.logger.Error(errors.New(issue.Message), "step issue")
	default:
		c.logger.Info(issue.Message, "issue", issue.Type)
	}

	c.Output(issue.String())
}

func (c *Context) Warning(format string, args ...any) {
	c.AddIssue(Issue{Type: IssueTypeWarning, Message: fmt.Sprintf(format, args...)})
}

func (c *Context) Error(err error) {
	c.AddIssue(Issue{Type: IssueTypeError, Message: err.Error()})
}

func (c *Context) Issues() []Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Issue(nil), c.issues...)
}

func (c *Context) errorCount() int {
	var n int
	for _, issue := range c.issues {
		if issue.Type == IssueTypeError {
			n++
		}
	}

	return n
}

func (c *Context) Restrictions() []v1.TaskRestrictions {
	return c.restrictions
}

// ForwardsOutput reports whether output of this node goes to the aggregated job log.
// Children inherit the setting of their parent unless WithOutputForwarding overrides it.
func (c *Context) ForwardsOutput() bool {
	return c.forwardOutput
}

// Output writes a masked line to every sink of the job.
func (c *Context) Output(line string) {
	line = c.Variables.Secrets().Mask(line)
	c.job.mu.Lock()
	sinks := append([]Sink(nil), c.job.sinks...)
	c.job.mu.Unlock()

	for _, sink := range sinks {
		sink.Output(c, line)
	}
}

func (c *Context) AddSink(sink Sink) {
	c.job.mu.Lock()
	defer c.job.mu.Unlock()
	c.job.sinks = append(c.job.sinks, sink)
}

// Start records the start time of the node.
func (c *Context) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = time.Now()
}

func (c *Context) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

func (c *Context) FinishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt
}

func (c *Context) IsCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Complete finalizes the node. Without an explicit result it is derived from the recorded
// issues. Children which have not completed yet are completed first.
func (c *Context) Complete(result *Result) Result {
	c.mu.Lock()
	if c.completed {
		r := ptr.Deref(c.result, Succeeded)
		c.mu.Unlock()
		return r
	}

	children := append([]*Context(nil), c.children...)
	c.mu.Unlock()

	for _, child := range children {
		child.Complete(nil)
	}

	c.mu.Lock()
	switch {
	case result != nil:
		c.result = ptr.To(*result)
	case c.result == nil && c.errorCount() > 0:
		c.result = ptr.To(Failed)
	case c.result == nil:
		c.result = ptr.To(Succeeded)
	}

	c.completed = true
	c.finishedAt = time.Now()
	final := *c.result
	c.mu.Unlock()

	c.cancel(nil)

	c.job.mu.Lock()
	sinks := append([]Sink(nil), c.job.sinks...)
	c.job.mu.Unlock()

	for _, sink := range sinks {
		sink.Completed(c)
	}

	return final
}

// ForceTaskComplete signals the running handler to finish early.
func (c *Context) ForceTaskComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.forceComplete == nil {
		c.forceComplete = make(chan struct{})
	}

	select {
	case <-c.forceComplete:
	default:
		close(c.forceComplete)
	}
}

// ResetForceComplete re-arms the force completion signal and returns it.
func (c *Context) ResetForceComplete() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceComplete = make(chan struct{})
	return c.forceComplete
}

// ForceCompleted is closed once ForceTaskComplete has been called for the current attempt.
func (c *Context) ForceCompleted() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.forceComplete == nil {
		c.forceComplete = make(chan struct{})
	}

	return c.forceComplete
}

func (c *Context) JobID() string {
	return c.job.id
}

func (c *Context) PlanID() string {
	return c.job.planID
}

func (c *Context) Endpoints() []v1.ServiceEndpoint {
	return c.job.endpoints
}

func (c *Context) Endpoint(idOrName string) (v1.ServiceEndpoint, bool) {
	for _, e := range c.job.endpoints {
		if e.ID == idOrName || e.Name == idOrName {
			return e, true
		}
	}

	return v1.ServiceEndpoint{}, false
}

func (c *Context) Repositories() []v1.RepositoryResource {
	return c.job.repositories
}

func (c *Context) SecureFiles() []v1.SecureFile {
	return c.job.secureFiles
}

func (c *Context) SetProcessLookupID(id string) {
	c.job.mu.Lock()
	defer c.job.mu.Unlock()
	c.job.processLookupID = id
}

func (c *Context) ProcessLookupID() string {
	c.job.mu.Lock()
	defer c.job.mu.Unlock()
	return c.job.processLookupID
}
