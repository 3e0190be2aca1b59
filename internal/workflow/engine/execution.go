package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type nodeState struct {
	status models.ExecutionStatus
	record *models.NodeExecution
	output models.JSONMap
	// automatic retries consumed
	attempts int
	// a backoff timer is armed; the node still blocks its successors
	retryPending bool
}

type nodeResult struct {
	nodeID   string
	output   models.JSONMap
	err      error
	category models.ErrorCategory
}

type loopMsg struct {
	result  *nodeResult
	retryID string
}

// execution holds the state of one run. All fields below mu are only touched
// with mu held; node work happens in separate goroutines that report back
// through msgs.
type execution struct {
	o      *Orchestrator
	logger zerolog.Logger
	wfID   string
	graph  *models.Graph
	order  []string
	input  models.JSONMap
	userID uint
	msgs   chan loopMsg

	mu        sync.Mutex
	run       models.WorkflowRun
	nodes     map[string]*nodeState
	seq       int
	inFlight  int
	running   int
	looping   bool
	cancelled bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	release   func()
}

func newExecution(o *Orchestrator, run models.WorkflowRun, g *models.Graph, input models.JSONMap, userID uint, release func()) *execution {
	graph := g.Clone()
	nodes := make(map[string]*nodeState, graph.NodeCount())
	for _, n := range graph.Nodes() {
		n.ExecutionState = models.NodeStatusIdle
		nodes[n.ID] = &nodeState{status: models.NodeStatusIdle}
	}
	done := make(chan struct{})
	close(done)
	return &execution{
		o:       o,
		logger:  o.logger.With().Str("workflowId", run.WorkflowID).Str("runId", run.ID).Logger(),
		wfID:    run.WorkflowID,
		graph:   graph,
		order:   topoOrder(graph),
		input:   input,
		userID:  userID,
		msgs:    make(chan loopMsg, graph.NodeCount()+1),
		run:     run,
		nodes:   nodes,
		done:    done,
		release: release,
	}
}

// launch moves a fresh run from pending to running and starts its loop.
func (e *execution) launch() {
	e.mu.Lock()
	e.emitRun("", e.run.Status)
	e.startLoopLocked()
	e.mu.Unlock()
	e.o.wg.Add(1)
	go e.loop()
}

func (e *execution) startLoopLocked() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.done = make(chan struct{})
	e.looping = true
	e.setRunStatus(models.RunStatusRunning)
}

func (e *execution) loop() {
	defer e.o.wg.Done()
	for {
		e.mu.Lock()
		e.schedule()
		if e.inFlight == 0 {
			// looping is cleared before the lock is released so a concurrent
			// RetryNode takes the reopen path instead of feeding a dead loop
			after := e.finishLocked()
			e.mu.Unlock()
			after()
			return
		}
		e.mu.Unlock()

		msg := <-e.msgs
		e.mu.Lock()
		if msg.retryID != "" {
			e.handleBackoffElapsed(msg.retryID)
		} else {
			e.handleResult(msg.result)
		}
		e.mu.Unlock()
	}
}

// schedule dispatches every idle node whose predecessors are all terminal.
// A node with any non-successful predecessor is skipped instead. Walking in
// topological order lets skips cascade in one pass.
func (e *execution) schedule() {
	if e.cancelled {
		return
	}
	limit := e.o.cfg.MaxParallel
	for _, id := range e.order {
		st := e.nodes[id]
		if st.status != models.NodeStatusIdle {
			continue
		}
		ready, upstreamOK := true, true
		for _, p := range e.graph.Predecessors(id) {
			ps := e.nodes[p]
			if !ps.status.IsTerminal() || ps.retryPending {
				ready = false
				break
			}
			if ps.status != models.NodeStatusSuccess {
				upstreamOK = false
			}
		}
		if !ready {
			continue
		}
		if !upstreamOK {
			e.seq++
			e.recordNode(id, models.NodeStatusIdle, e.seq, nil)
			e.completeNode(id, models.NodeStatusSkipped, nil, "an upstream node did not succeed", models.ErrorCategoryUpstreamSkipped)
			continue
		}
		if limit > 0 && e.running >= limit {
			continue
		}
		e.dispatch(id)
	}
}

func (e *execution) dispatch(id string) {
	now := time.Now()
	e.seq++
	e.recordNode(id, models.NodeStatusRunning, e.seq, &now)

	input := e.inputFor(id)
	st := e.nodes[id]
	if _, err := e.o.store.UpdateNodeExecutionInputData(context.Background(), st.record.ID, input); err != nil {
		e.logger.Error().Err(err).Str("nodeId", id).Msg("Failed to store node input")
	}
	st.record.InputData = input

	e.transition(id, models.NodeStatusRunning)
	e.inFlight++
	e.startWorker(id, input)
}

func (e *execution) startWorker(id string, input models.JSONMap) {
	e.running++
	node, _ := e.graph.Node(id)
	go e.work(e.ctx, id, node.Clone(), input)
}

// inputFor maps each predecessor id to its output. Root nodes get the run
// input under "input".
func (e *execution) inputFor(id string) models.JSONMap {
	preds := e.graph.Predecessors(id)
	if len(preds) == 0 {
		in := models.JSONMap{}
		if e.input != nil {
			in["input"] = e.input
		}
		return in
	}
	in := make(models.JSONMap, len(preds))
	for _, p := range preds {
		in[p] = e.nodes[p].output
	}
	return in
}

// work runs one attempt of a node and reports the outcome. It never touches
// execution state directly.
func (e *execution) work(runCtx context.Context, id string, node *models.Node, input models.JSONMap) {
	res := &nodeResult{nodeID: id}
	defer func() { e.msgs <- loopMsg{result: res} }()

	runner, err := e.o.runners.Get(node.Kind)
	if err != nil {
		res.err = err
		res.category = models.ErrorCategoryNodeFailure
		return
	}

	ctx, cancel := context.WithTimeout(runCtx, e.o.cfg.NodeTimeout)
	defer cancel()

	type outcome struct {
		out models.JSONMap
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("runner panicked: %v", r)}
			}
		}()
		out, err := runner.Run(ctx, node, input)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case oc := <-ch:
		res.output, res.err = oc.out, oc.err
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	switch {
	case res.err == nil:
		if res.output == nil {
			res.output = models.JSONMap{}
		}
	case runCtx.Err() != nil:
		res.category = models.ErrorCategoryCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.err = fmt.Errorf("node timed out after %s", e.o.cfg.NodeTimeout)
		res.category = models.ErrorCategoryTimeout
	default:
		res.category = models.ErrorCategoryNodeFailure
	}
}

func (e *execution) handleResult(r *nodeResult) {
	st := e.nodes[r.nodeID]
	e.running--

	switch {
	case r.err == nil:
		st.output = r.output
		e.completeNode(r.nodeID, models.NodeStatusSuccess, r.output, "", models.ErrorCategoryNone)
		e.inFlight--
	case r.category == models.ErrorCategoryCancelled || e.cancelled:
		e.completeNode(r.nodeID, models.NodeStatusCancelled, nil, "run cancelled", models.ErrorCategoryCancelled)
		e.inFlight--
	default:
		e.completeNode(r.nodeID, models.NodeStatusError, nil, r.err.Error(), r.category)
		if st.attempts < e.o.cfg.MaxRetries {
			delay := backoff(st.attempts, e.o.cfg.RetryBaseDelay, e.o.cfg.RetryMaxDelay)
			st.attempts++
			st.retryPending = true
			e.logger.Info().
				Str("nodeId", r.nodeID).
				Int("attempt", st.attempts).
				Dur("delay", delay).
				Msg("Scheduling automatic retry")
			go e.armRetry(e.ctx, r.nodeID, delay)
			return
		}
		e.logger.Warn().Str("nodeId", r.nodeID).Err(r.err).Str("category", string(r.category)).Msg("Node failed")
		e.inFlight--
	}
}

func (e *execution) armRetry(ctx context.Context, id string, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	e.msgs <- loopMsg{retryID: id}
}

func (e *execution) handleBackoffElapsed(id string) {
	st := e.nodes[id]
	st.retryPending = false
	if e.cancelled {
		e.completeNode(id, models.NodeStatusCancelled, nil, "run cancelled", models.ErrorCategoryCancelled)
		e.inFlight--
		return
	}
	e.retry(id)
}

// retry moves an errored node back to running. The record keeps its id and
// its retry count grows by exactly one.
func (e *execution) retry(id string) {
	st := e.nodes[id]
	now := time.Now()
	rec, err := e.o.store.RetryNodeExecution(context.Background(), st.record.ID, now)
	if err != nil {
		e.logger.Error().Err(err).Str("nodeId", id).Msg("Failed to record retry")
		local := *st.record
		local.RetryCount++
		local.Status = models.NodeStatusRunning
		local.StartTime = &now
		local.EndTime = nil
		local.ErrorMessage = ""
		local.ErrorCategory = models.ErrorCategoryNone
		rec = &local
	}
	st.record = rec
	e.transition(id, models.NodeStatusRunning)
	e.startWorker(id, e.inputFor(id))
}

func (e *execution) checkRetryable(id string) error {
	if e.run.Status == models.RunStatusCancelled || e.cancelled {
		return fmt.Errorf("%w: run %s was cancelled", ErrNodeNotRetryable, e.run.ID)
	}
	st, ok := e.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %s is not part of run %s", ErrNodeNotRetryable, id, e.run.ID)
	}
	if st.status != models.NodeStatusError || st.retryPending {
		return fmt.Errorf("%w: node %s is %s", ErrNodeNotRetryable, id, st.status)
	}
	return nil
}

// retryManual re-runs a failed node and re-opens its skipped descendants.
func (e *execution) retryManual(id string) {
	below := descendants(e.graph, id)
	for _, d := range e.order {
		if below[d] && e.nodes[d].status == models.NodeStatusSkipped {
			e.transition(d, models.NodeStatusIdle)
		}
	}
	e.inFlight++
	e.retry(id)
}

// retryIfLive handles a manual retry on a run that is still looping. It
// reports false when the run has finished and must be re-opened instead.
func (e *execution) retryIfLive(id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkRetryable(id); err != nil {
		return false, err
	}
	if !e.looping {
		return false, nil
	}
	e.retryManual(id)
	return true, nil
}

// reopen turns a finished failed run back into a running one around a
// manual retry.
func (e *execution) reopen(id string, release func()) error {
	e.mu.Lock()
	if e.looping {
		e.mu.Unlock()
		return ErrRunActive
	}
	if err := e.checkRetryable(id); err != nil {
		e.mu.Unlock()
		return err
	}
	e.release = release
	e.startLoopLocked()
	e.retryManual(id)
	e.mu.Unlock()

	e.logger.Info().Str("nodeId", id).Msg("Run re-opened for retry")
	e.o.wg.Add(1)
	go e.loop()
	return nil
}

func (e *execution) requestCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.looping {
		return false
	}
	if !e.cancelled {
		e.cancelled = true
		e.cancel()
	}
	return true
}

// finishLocked settles the run and returns the work that must happen after
// e.mu is released.
func (e *execution) finishLocked() func() {
	var (
		status   = models.RunStatusCompleted
		message  string
		category models.ErrorCategory
	)
	if e.cancelled {
		for _, id := range e.order {
			if e.nodes[id].status == models.NodeStatusIdle {
				e.seq++
				e.recordNode(id, models.NodeStatusIdle, e.seq, nil)
				e.completeNode(id, models.NodeStatusCancelled, nil, "run cancelled", models.ErrorCategoryCancelled)
			}
		}
		status, message, category = models.RunStatusCancelled, "run cancelled", models.ErrorCategoryCancelled
	} else {
		for _, id := range e.order {
			st := e.nodes[id]
			if st.status == models.NodeStatusError {
				status = models.RunStatusFailed
				message = fmt.Sprintf("node %s failed: %s", id, st.record.ErrorMessage)
				category = st.record.ErrorCategory
				break
			}
			if st.status != models.NodeStatusSuccess && status == models.RunStatusCompleted {
				status = models.RunStatusFailed
				message = fmt.Sprintf("node %s did not succeed", id)
				category = models.ErrorCategoryUpstreamSkipped
			}
		}
	}

	from := e.run.Status
	now := time.Now()
	run, err := e.o.store.CompleteWorkflowRun(context.Background(), e.run.ID, status, now, message, category)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to complete run")
		e.run.Status = status
		e.run.EndTime = &now
		e.run.ErrorMessage = message
		e.run.ErrorCategory = category
	} else {
		e.run = *run
	}
	e.emitRun(from, status)

	e.looping = false
	e.cancelled = false
	e.cancel()
	release, done := e.release, e.done
	e.release = nil
	snapshot := e.run

	return func() {
		if release != nil {
			release()
		}
		close(done)

		e.logger.Info().Str("status", string(status)).Str("category", string(category)).Msg("Run finished")

		if status == models.RunStatusCancelled {
			return
		}
		kind := NotifyCompleted
		if status == models.RunStatusFailed {
			kind = NotifyFailed
		}
		execs, err := e.o.store.GetNodeExecutions(context.Background(), snapshot.ID)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to load executions for notification")
		}
		e.o.notify(Notification{
			Kind:       kind,
			WorkflowID: snapshot.WorkflowID,
			UserID:     e.userID,
			Run:        snapshot,
			Executions: execs,
			Error:      message,
		})
	}
}

// recordNode appends a new audit record for a node. Store failures are
// logged and the run continues on a local record.
func (e *execution) recordNode(id string, status models.ExecutionStatus, order int, start *time.Time) {
	rec, err := e.o.store.RecordNodeExecution(context.Background(), e.run.ID, id, status, order, start)
	if err != nil {
		e.logger.Error().Err(err).Str("nodeId", id).Msg("Failed to record node execution")
		rec = &models.NodeExecution{
			ID:             uuid.New().String(),
			RunID:          e.run.ID,
			NodeID:         id,
			Status:         status,
			StartTime:      start,
			ExecutionOrder: order,
		}
	}
	e.nodes[id].record = rec
}

func (e *execution) completeNode(id string, status models.ExecutionStatus, output models.JSONMap, message string, category models.ErrorCategory) {
	st := e.nodes[id]
	if !st.status.CanTransition(status) {
		e.logger.Error().Str("nodeId", id).Str("from", string(st.status)).Str("to", string(status)).Msg("Illegal node transition")
		return
	}
	now := time.Now()
	rec, err := e.o.store.CompleteNodeExecution(context.Background(), st.record.ID, status, now, output, message, category)
	if err != nil {
		e.logger.Error().Err(err).Str("nodeId", id).Msg("Failed to complete node execution")
		local := *st.record
		local.Status = status
		local.EndTime = &now
		local.OutputData = output
		local.ErrorMessage = message
		local.ErrorCategory = category
		rec = &local
	}
	st.record = rec
	e.transition(id, status)
}

// transition applies a node state change and emits it.
func (e *execution) transition(id string, to models.ExecutionStatus) {
	st := e.nodes[id]
	from := st.status
	if from != to && !from.CanTransition(to) {
		e.logger.Error().Str("nodeId", id).Str("from", string(from)).Str("to", string(to)).Msg("Illegal node transition")
		return
	}
	st.status = to
	if node, ok := e.graph.Node(id); ok {
		node.ExecutionState = to
	}

	var execution models.NodeExecution
	if st.record != nil {
		execution = *st.record
		execution.Status = to
	}
	e.publish(events.Event{
		Type:       events.NodeUpdate,
		WorkflowID: e.run.WorkflowID,
		RunID:      e.run.ID,
		Payload: events.NodeTransition{
			RunID:     e.run.ID,
			NodeID:    id,
			From:      from,
			To:        to,
			Execution: execution,
		},
	})
}

func (e *execution) setRunStatus(to models.RunStatus) {
	from := e.run.Status
	run, err := e.o.store.UpdateWorkflowRunStatus(context.Background(), e.run.ID, to)
	if err != nil {
		e.logger.Error().Err(err).Str("status", string(to)).Msg("Failed to update run status")
		e.run.Status = to
	} else {
		e.run = *run
	}
	if to == models.RunStatusRunning {
		e.run.EndTime = nil
		e.run.ErrorMessage = ""
		e.run.ErrorCategory = models.ErrorCategoryNone
	}
	e.emitRun(from, to)
}

func (e *execution) emitRun(from, to models.RunStatus) {
	e.publish(events.Event{
		Type:       events.WorkflowUpdate,
		WorkflowID: e.run.WorkflowID,
		RunID:      e.run.ID,
		Payload:    events.RunTransition{From: from, To: to, Run: e.run},
	})
}

func (e *execution) publish(event events.Event) {
	if e.o.publisher == nil {
		return
	}
	if err := e.o.publisher.Publish(context.Background(), event); err != nil {
		e.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to publish execution event")
	}
}

func (e *execution) snapshot() *models.WorkflowRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	run := e.run
	return &run
}

func (e *execution) workflowID() string {
	return e.wfID
}

func (e *execution) isLooping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.looping
}

func (e *execution) doneChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
