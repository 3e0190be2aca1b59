package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/validator"

	"github.com/rs/zerolog"
)

var (
	ErrRunActive        = errors.New("workflow already has an active run")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunFinished      = errors.New("run already finished")
	ErrNodeNotRetryable = errors.New("node is not in a retryable state")
	ErrInvalidGraph     = errors.New("graph is not executable")
)

// Store is the persistence collaborator. Implementations live in
// internal/api/repo.
type Store interface {
	RecordWorkflowRun(ctx context.Context, workflowID string, startedByUserID uint, status models.RunStatus, startTime time.Time) (*models.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, runID string, status models.RunStatus) (*models.WorkflowRun, error)
	CompleteWorkflowRun(ctx context.Context, runID string, status models.RunStatus, endTime time.Time, errorMessage string, errorCategory models.ErrorCategory) (*models.WorkflowRun, error)
	RecordNodeExecution(ctx context.Context, runID string, nodeID string, status models.ExecutionStatus, executionOrder int, startTime *time.Time) (*models.NodeExecution, error)
	UpdateNodeExecutionInputData(ctx context.Context, id string, inputData models.JSONMap) (bool, error)
	CompleteNodeExecution(ctx context.Context, id string, status models.ExecutionStatus, endTime time.Time, outputData models.JSONMap, errorMessage string, errorCategory models.ErrorCategory) (*models.NodeExecution, error)
	RetryNodeExecution(ctx context.Context, id string, startTime time.Time) (*models.NodeExecution, error)
	GetNodeExecutions(ctx context.Context, runID string) ([]models.NodeExecution, error)
}

// Publisher receives execution transition events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Notification is handed to the Notifier when a run is scheduled or ends.
type Notification struct {
	Kind       NotificationKind
	WorkflowID string
	UserID     uint
	Run        models.WorkflowRun
	Executions []models.NodeExecution
	Error      string
}

type NotificationKind string

const (
	NotifyScheduled NotificationKind = "scheduled"
	NotifyCompleted NotificationKind = "completed"
	NotifyFailed    NotificationKind = "failed"
)

// Notifier is the notification collaborator. Its errors never fail a run.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RunLocker provides cross-process mutual exclusion per workflow id.
type RunLocker interface {
	Acquire(ctx context.Context, workflowID string) (release func(), err error)
}

type Config struct {
	// Per node attempt. Expiry fails the node with category "timeout".
	NodeTimeout time.Duration
	// Automatic retries after the first attempt.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Upper bound of concurrently running nodes per run, 0 = unbounded.
	MaxParallel int
	// Finished runs kept in memory for Run, Wait and RetryNode. Older ones
	// are only reachable through the store.
	RetainRuns int
}

func DefaultConfig() Config {
	return Config{
		NodeTimeout:    60 * time.Second,
		MaxRetries:     0,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		RetainRuns:     500,
	}
}

func (c Config) normalized() Config {
	q := c
	if q.NodeTimeout <= 0 {
		q.NodeTimeout = 60 * time.Second
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
	if q.RetryBaseDelay <= 0 {
		q.RetryBaseDelay = 200 * time.Millisecond
	}
	if q.RetryMaxDelay < q.RetryBaseDelay {
		q.RetryMaxDelay = q.RetryBaseDelay
	}
	if q.MaxParallel < 0 {
		q.MaxParallel = 0
	}
	if q.RetainRuns <= 0 {
		q.RetainRuns = 500
	}
	return q
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithLocker(l RunLocker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithRunners(r *RunnerRegistry) Option {
	return func(o *Orchestrator) { o.runners = r }
}

func WithNodeTypes(t *models.NodeTypeRegistry) Option {
	return func(o *Orchestrator) { o.types = t }
}

// Orchestrator drives validated graphs through runs. At most one run per
// workflow id is active at a time.
type Orchestrator struct {
	store     Store
	publisher Publisher
	notifier  Notifier
	locker    RunLocker
	runners   *RunnerRegistry
	types     *models.NodeTypeRegistry
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]*execution // by workflow id
	runs   map[string]*execution // by run id
	// run ids in start order, for eviction
	runOrder []string
	wg       sync.WaitGroup
}

func New(store Store, publisher Publisher, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		publisher: publisher,
		runners:   DefaultRunners(),
		types:     models.DefaultNodeTypes(),
		cfg:       cfg.normalized(),
		logger:    logger,
		active:    make(map[string]*execution),
		runs:      make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRequest asks for a new run of a workflow graph.
type StartRequest struct {
	WorkflowID string
	UserID     uint
	Graph      *models.Graph
	// Handed to root nodes as their input.
	Input models.JSONMap
}

// Start validates the graph, records a pending run and begins executing it
// in the background. It returns ErrRunActive if the workflow already runs.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*models.WorkflowRun, error) {
	if errs := validator.ValidateGraph(req.Graph, o.types); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, errs)
	}

	release, err := o.reserve(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	run, err := o.store.RecordWorkflowRun(ctx, req.WorkflowID, req.UserID, models.RunStatusPending, time.Now())
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	e := newExecution(o, *run, req.Graph, req.Input, req.UserID, release)

	o.mu.Lock()
	o.evictLocked()
	o.active[req.WorkflowID] = e
	o.runs[run.ID] = e
	o.runOrder = append(o.runOrder, run.ID)
	o.mu.Unlock()

	o.notify(Notification{Kind: NotifyScheduled, WorkflowID: req.WorkflowID, UserID: req.UserID, Run: *run})

	o.logger.Info().
		Str("workflowId", req.WorkflowID).
		Str("runId", run.ID).
		Int("nodes", req.Graph.NodeCount()).
		Msg("Run scheduled")

	e.launch()
	return e.snapshot(), nil
}

// reserve claims the active slot of a workflow in this process and, when a
// locker is configured, across processes.
func (o *Orchestrator) reserve(ctx context.Context, workflowID string) (func(), error) {
	o.mu.Lock()
	if _, busy := o.active[workflowID]; busy {
		o.mu.Unlock()
		return nil, ErrRunActive
	}
	// placeholder keeps concurrent Start calls out while the lock is taken
	o.active[workflowID] = nil
	o.mu.Unlock()

	releaseSlot := func() {
		o.mu.Lock()
		delete(o.active, workflowID)
		o.mu.Unlock()
	}

	if o.locker == nil {
		return releaseSlot, nil
	}
	unlock, err := o.locker.Acquire(ctx, workflowID)
	if err != nil {
		releaseSlot()
		return nil, fmt.Errorf("%w: %w", ErrRunActive, err)
	}
	return func() {
		unlock()
		releaseSlot()
	}, nil
}

// Cancel stops a run. Every non-terminal node ends as cancelled and the run
// as cancelled.
func (o *Orchestrator) Cancel(runID string) error {
	e, err := o.lookup(runID)
	if err != nil {
		return err
	}
	if !e.requestCancel() {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	o.logger.Info().Str("runId", runID).Msg("Run cancellation requested")
	return nil
}

// RetryNode re-runs a node that ended in error. On a finished run the run is
// re-opened, the node's skipped descendants are re-evaluated and the run
// finishes again.
func (o *Orchestrator) RetryNode(ctx context.Context, runID string, nodeID string) error {
	e, err := o.lookup(runID)
	if err != nil {
		return err
	}

	live, err := e.retryIfLive(nodeID)
	if err != nil || live {
		return err
	}

	workflowID := e.workflowID()
	release, err := o.reserve(ctx, workflowID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.active[workflowID] = e
	o.mu.Unlock()

	if err := e.reopen(nodeID, release); err != nil {
		release()
		return err
	}
	return nil
}

// Run returns the current state of a run known to this orchestrator.
func (o *Orchestrator) Run(runID string) (*models.WorkflowRun, error) {
	e, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// ActiveRun returns the running run of a workflow, if any.
func (o *Orchestrator) ActiveRun(workflowID string) (*models.WorkflowRun, bool) {
	o.mu.Lock()
	e := o.active[workflowID]
	o.mu.Unlock()
	if e == nil {
		return nil, false
	}
	return e.snapshot(), true
}

// NodeExecutions returns the audit records of a run.
func (o *Orchestrator) NodeExecutions(ctx context.Context, runID string) ([]models.NodeExecution, error) {
	return o.store.GetNodeExecutions(ctx, runID)
}

// Wait blocks until the run is no longer running.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	e, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.doneChan():
		return e.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels every active run and waits for them to wind down.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, e := range o.active {
		if e != nil {
			e.requestCancel()
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked makes room for one more run by dropping the oldest finished
// runs beyond cfg.RetainRuns. Runs still looping are never dropped.
func (o *Orchestrator) evictLocked() {
	excess := len(o.runs) + 1 - o.cfg.RetainRuns
	if excess <= 0 {
		return
	}
	kept := o.runOrder[:0]
	for _, id := range o.runOrder {
		if excess > 0 && !o.runs[id].isLooping() {
			delete(o.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.runOrder = kept
}

func (o *Orchestrator) lookup(runID string) (*execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e, nil
}

func (o *Orchestrator) notify(n Notification) {
	if o.notifier == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Interface("panic", r).Str("runId", n.Run.ID).Msg("Notifier panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.notifier.Notify(ctx, n); err != nil {
			o.logger.Warn().Err(err).Str("runId", n.Run.ID).Str("kind", string(n.Kind)).Msg("Notification failed")
		}
	}()
}
