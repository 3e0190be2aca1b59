package engine

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"flowstudio/internal/api/repo"
	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/session"
	"flowstudio/internal/workflow/validator"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trigger(id string) session.NodeSpec {
	return session.NodeSpec{ID: id, Kind: models.NodeKindTrigger}
}

func action(id string) session.NodeSpec {
	return session.NodeSpec{ID: id, Kind: models.NodeKindAction, Config: models.Config{"operation": models.String(id)}}
}

func buildGraph(t *testing.T, nodes []session.NodeSpec, edges [][2]string) *models.Graph {
	t.Helper()
	ctx := context.Background()
	s := session.New("wf", models.DefaultNodeTypes(), nil, zerolog.Nop())
	for _, n := range nodes {
		_, err := s.AddNode(ctx, n)
		require.NoError(t, err)
	}
	for _, e := range edges {
		_, err := s.Connect(ctx, models.Edge{SourceNodeID: e[0], SourcePortID: "out", TargetNodeID: e[1], TargetPortID: "in"})
		require.NoError(t, err)
	}
	return s.Graph()
}

type harness struct {
	o     *Orchestrator
	store *repo.MemoryRunRepository
	bus   *events.Bus
}

func newHarness(t *testing.T, cfg Config, runners *RunnerRegistry) *harness {
	t.Helper()
	store := repo.NewMemoryRunRepository()
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)
	o := New(store, bus, cfg, zerolog.Nop(), WithRunners(runners))
	return &harness{o: o, store: store, bus: bus}
}

func (h *harness) startAndWait(t *testing.T, workflowID string, g *models.Graph) *models.WorkflowRun {
	t.Helper()
	run, err := h.o.Start(context.Background(), StartRequest{WorkflowID: workflowID, UserID: 1, Graph: g})
	require.NoError(t, err)
	return h.wait(t, run.ID)
}

func (h *harness) wait(t *testing.T, runID string) *models.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := h.o.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

// latest returns the most recent record of each node.
func (h *harness) latest(t *testing.T, runID string) map[string]models.NodeExecution {
	t.Helper()
	execs, err := h.o.NodeExecutions(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]models.NodeExecution)
	for _, e := range execs {
		out[e.NodeID] = e
	}
	return out
}

func failingFor(ids ...string) RunnerFunc {
	return func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
		for _, id := range ids {
			if node.ID == id {
				return nil, errors.New("action rejected")
			}
		}
		return runAction(ctx, node, input)
	}
}

func TestOrchestrator_JoinWaitsForAllPredecessors(t *testing.T) {
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, RunnerFunc(func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
		if node.ID == "a" {
			time.Sleep(30 * time.Millisecond)
		}
		return runAction(ctx, node, input)
	}))
	h := newHarness(t, DefaultConfig(), runners)

	g := buildGraph(t,
		[]session.NodeSpec{trigger("t"), action("a"), action("b"), {ID: "c", Kind: models.NodeKindTransform}},
		[][2]string{{"t", "a"}, {"t", "b"}, {"a", "c"}, {"b", "c"}},
	)
	run := h.startAndWait(t, "wf-join", g)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.EndTime)

	execs := h.latest(t, run.ID)
	require.Len(t, execs, 4)
	a, b, c := execs["a"], execs["b"], execs["c"]
	for _, e := range execs {
		assert.Equal(t, models.NodeStatusSuccess, e.Status, e.NodeID)
	}
	assert.Greater(t, c.ExecutionOrder, a.ExecutionOrder)
	assert.Greater(t, c.ExecutionOrder, b.ExecutionOrder)
	assert.False(t, c.StartTime.Before(*a.EndTime), "c started before a finished")
	assert.False(t, c.StartTime.Before(*b.EndTime), "c started before b finished")
	assert.Contains(t, c.InputData, "a")
	assert.Contains(t, c.InputData, "b")
}

func TestOrchestrator_FailureSkipsDependents(t *testing.T) {
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, failingFor("a"))
	h := newHarness(t, DefaultConfig(), runners)

	g := buildGraph(t,
		[]session.NodeSpec{trigger("t"), action("a"), action("b"), action("side")},
		[][2]string{{"t", "a"}, {"a", "b"}, {"t", "side"}},
	)
	run := h.startAndWait(t, "wf-fail", g)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.ErrorCategoryNodeFailure, run.ErrorCategory)
	assert.Contains(t, run.ErrorMessage, "action rejected")

	execs := h.latest(t, run.ID)
	assert.Equal(t, models.NodeStatusError, execs["a"].Status)
	assert.Equal(t, models.ErrorCategoryNodeFailure, execs["a"].ErrorCategory)
	assert.Equal(t, models.NodeStatusSkipped, execs["b"].Status)
	assert.Equal(t, models.ErrorCategoryUpstreamSkipped, execs["b"].ErrorCategory)
	assert.Equal(t, models.NodeStatusSuccess, execs["side"].Status, "independent branch should still run")
}

func TestOrchestrator_NodeTimeout(t *testing.T) {
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, RunnerFunc(func(context.Context, *models.Node, models.JSONMap) (models.JSONMap, error) {
		time.Sleep(300 * time.Millisecond)
		return models.JSONMap{}, nil
	}))
	cfg := DefaultConfig()
	cfg.NodeTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, runners)

	g := buildGraph(t, []session.NodeSpec{trigger("t"), action("a")}, [][2]string{{"t", "a"}})
	run := h.startAndWait(t, "wf-timeout", g)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.ErrorCategoryTimeout, run.ErrorCategory)

	a := h.latest(t, run.ID)["a"]
	assert.Equal(t, models.NodeStatusError, a.Status)
	assert.Equal(t, models.ErrorCategoryTimeout, a.ErrorCategory)
}

func TestOrchestrator_UnknownKindFailsNode(t *testing.T) {
	h := newHarness(t, DefaultConfig(), DefaultRunners())
	g := buildGraph(t,
		[]session.NodeSpec{trigger("t"), {ID: "agent", Kind: models.NodeKindAgent, Config: models.Config{"prompt": models.String("hi")}}},
		[][2]string{{"t", "agent"}},
	)
	run := h.startAndWait(t, "wf-agent", g)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.ErrorCategoryNodeFailure, h.latest(t, run.ID)["agent"].ErrorCategory)
}

func TestOrchestrator_RejectsInvalidGraph(t *testing.T) {
	h := newHarness(t, DefaultConfig(), DefaultRunners())
	g := buildGraph(t, []session.NodeSpec{trigger("t"), action("a")}, nil)

	_, err := h.o.Start(context.Background(), StartRequest{WorkflowID: "wf-invalid", Graph: g})
	assert.ErrorIs(t, err, ErrInvalidGraph)
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.Has(validator.MissingRequiredField))
	_, active := h.o.ActiveRun("wf-invalid")
	assert.False(t, active)
}

func TestOrchestrator_OneActiveRunPerWorkflow(t *testing.T) {
	release := make(chan struct{})
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, RunnerFunc(func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
		<-release
		return runAction(ctx, node, input)
	}))
	h := newHarness(t, DefaultConfig(), runners)
	g := buildGraph(t, []session.NodeSpec{trigger("t"), action("a")}, [][2]string{{"t", "a"}})
	ctx := context.Background()

	first, err := h.o.Start(ctx, StartRequest{WorkflowID: "wf-busy", Graph: g})
	require.NoError(t, err)

	_, err = h.o.Start(ctx, StartRequest{WorkflowID: "wf-busy", Graph: g})
	assert.ErrorIs(t, err, ErrRunActive)

	active, ok := h.o.ActiveRun("wf-busy")
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)

	other, err := h.o.Start(ctx, StartRequest{WorkflowID: "wf-other", Graph: g})
	require.NoError(t, err)

	close(release)
	h.wait(t, first.ID)
	h.wait(t, other.ID)

	_, ok = h.o.ActiveRun("wf-busy")
	assert.False(t, ok)
	h.startAndWait(t, "wf-busy", g)
}

func TestOrchestrator_EvictsOldFinishedRuns(t *testing.T) {
	release := make(chan struct{})
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, RunnerFunc(func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
		if node.ID == "slow" {
			<-release
		}
		return runAction(ctx, node, input)
	}))
	cfg := DefaultConfig()
	cfg.RetainRuns = 2
	h := newHarness(t, cfg, runners)
	fast := buildGraph(t, []session.NodeSpec{trigger("t"), action("a")}, [][2]string{{"t", "a"}})
	slow := buildGraph(t, []session.NodeSpec{trigger("t"), action("slow")}, [][2]string{{"t", "slow"}})
	ctx := context.Background()

	busy, err := h.o.Start(ctx, StartRequest{WorkflowID: "wf-slow", Graph: slow})
	require.NoError(t, err)
	first := h.startAndWait(t, "wf-1", fast)
	second := h.startAndWait(t, "wf-2", fast)

	_, err = h.o.Run(first.ID)
	assert.ErrorIs(t, err, ErrRunNotFound, "oldest finished run is dropped")
	_, err = h.o.Run(busy.ID)
	assert.NoError(t, err, "a running run is kept")
	_, err = h.o.Run(second.ID)
	assert.NoError(t, err)

	close(release)
	h.wait(t, busy.ID)
	execs, err := h.store.GetNodeExecutions(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2, "the store still holds evicted runs")
}

func TestOrchestrator_ManualRetryReopensRun(t *testing.T) {
	var calls atomic.Int32
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, RunnerFunc(func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
		if node.ID == "a" && calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return runAction(ctx, node, input)
	}))
	h := newHarness(t, DefaultConfig(), runners)
	g := buildGraph(t,
		[]session.NodeSpec{trigger("t"), action("a"), action("b")},
		[][2]string{{"t", "a"}, {"a", "b"}},
	)

	run := h.startAndWait(t, "wf-retry", g)
	require.Equal(t, models.RunStatusFailed, run.Status)
	failed := h.latest(t, run.ID)["a"]
	assert.Equal(t, models.NodeStatusSkipped, h.latest(t, run.ID)["b"].Status)

	ctx := context.Background()
	assert.ErrorIs(t, h.o.RetryNode(ctx, run.ID, "b"), ErrNodeNotRetryable)
	assert.ErrorIs(t, h.o.RetryNode(ctx, run.ID, "t"), ErrNodeNotRetryable)
	assert.ErrorIs(t, h.o.RetryNode(ctx, "missing", "a"), ErrRunNotFound)

	require.NoError(t, h.o.RetryNode(ctx, run.ID, "a"))
	run = h.wait(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Empty(t, run.ErrorMessage)

	execs := h.latest(t, run.ID)
	a := execs["a"]
	assert.Equal(t, failed.ID, a.ID, "retry should reuse the record")
	assert.Equal(t, failed.RetryCount+1, a.RetryCount)
	assert.Equal(t, models.NodeStatusSuccess, a.Status)
	assert.Empty(t, a.ErrorMessage)
	assert.Equal(t, models.NodeStatusSuccess, execs["b"].Status)

	assert.ErrorIs(t, h.o.RetryNode(ctx, run.ID, "a"), ErrNodeNotRetryable)
}

func TestOrchestrator_RetryRacingRunEnd(t *testing.T) {
	for i := 0; i < 200; i++ {
		var calls atomic.Int32
		runners := DefaultRunners()
		runners.Register(models.NodeKindAction, RunnerFunc(func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("flaky")
			}
			return runAction(ctx, node, input)
		}))
		h := newHarness(t, DefaultConfig(), runners)
		g := buildGraph(t, []session.NodeSpec{trigger("t"), action("a")}, [][2]string{{"t", "a"}})

		run, err := h.o.Start(context.Background(), StartRequest{WorkflowID: "wf-race", UserID: 1, Graph: g})
		require.NoError(t, err)

		// retry as soon as the node is retryable, whichever side of the run
		// end that lands on
		deadline := time.Now().Add(5 * time.Second)
		for h.o.RetryNode(context.Background(), run.ID, "a") != nil {
			require.True(t, time.Now().Before(deadline), "retry never accepted")
			runtime.Gosched()
		}

		require.Eventually(t, func() bool {
			got, err := h.o.Run(run.ID)
			return err == nil && got.Status == models.RunStatusCompleted
		}, 5*time.Second, time.Millisecond)
		h.wait(t, run.ID)
		assert.Equal(t, models.NodeStatusSuccess, h.latest(t, run.ID)["a"].Status)
	}
}

func TestOrchestrator_AutomaticRetries(t *testing.T) {
	var calls atomic.Int32
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, RunnerFunc(func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("not yet")
		}
		return runAction(ctx, node, input)
	}))
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	h := newHarness(t, cfg, runners)

	g := buildGraph(t,
		[]session.NodeSpec{trigger("t"), action("a"), action("b")},
		[][2]string{{"t", "a"}, {"a", "b"}},
	)

	run := h.startAndWait(t, "wf-auto", g)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	execs := h.latest(t, run.ID)
	assert.Equal(t, 2, execs["a"].RetryCount)
	assert.Equal(t, models.NodeStatusSuccess, execs["b"].Status)
	assert.EqualValues(t, 4, calls.Load())
}

func TestOrchestrator_Cancel(t *testing.T) {
	runners := DefaultRunners()
	runners.Register(models.NodeKindAction, RunnerFunc(func(ctx context.Context, _ *models.Node, _ models.JSONMap) (models.JSONMap, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h := newHarness(t, DefaultConfig(), runners)
	g := buildGraph(t,
		[]session.NodeSpec{trigger("t"), action("a"), action("b")},
		[][2]string{{"t", "a"}, {"a", "b"}},
	)

	run, err := h.o.Start(context.Background(), StartRequest{WorkflowID: "wf-cancel", Graph: g})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.latest(t, run.ID)["a"].Status == models.NodeStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.o.Cancel(run.ID))
	run = h.wait(t, run.ID)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.Equal(t, models.ErrorCategoryCancelled, run.ErrorCategory)

	execs := h.latest(t, run.ID)
	assert.Equal(t, models.NodeStatusSuccess, execs["t"].Status)
	assert.Equal(t, models.NodeStatusCancelled, execs["a"].Status)
	assert.Equal(t, models.NodeStatusCancelled, execs["b"].Status)

	assert.ErrorIs(t, h.o.Cancel(run.ID), ErrRunFinished)
	assert.ErrorIs(t, h.o.RetryNode(context.Background(), run.ID, "a"), ErrNodeNotRetryable)
}

func TestOrchestrator_EmitsTransitionsInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig(), DefaultRunners())
	ch, cancel := h.bus.Subscribe(events.ForWorkflow("wf-events"), 64)
	defer cancel()

	g := buildGraph(t, []session.NodeSpec{trigger("t"), action("a")}, [][2]string{{"t", "a"}})
	h.startAndWait(t, "wf-events", g)

	var runSteps []models.RunStatus
	nodeSteps := map[string][]models.ExecutionStatus{}
	var last uint64
	for len(ch) > 0 {
		ev := <-ch
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
		switch p := ev.Payload.(type) {
		case events.RunTransition:
			runSteps = append(runSteps, p.To)
		case events.NodeTransition:
			nodeSteps[p.NodeID] = append(nodeSteps[p.NodeID], p.To)
		}
	}
	assert.Equal(t, []models.RunStatus{models.RunStatusPending, models.RunStatusRunning, models.RunStatusCompleted}, runSteps)
	assert.Equal(t, []models.ExecutionStatus{models.NodeStatusRunning, models.NodeStatusSuccess}, nodeSteps["a"])
	assert.Equal(t, []models.ExecutionStatus{models.NodeStatusRunning, models.NodeStatusSuccess}, nodeSteps["t"])
}

type recordingNotifier struct {
	got chan Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.got <- note
	return errors.New("smtp down")
}

func TestOrchestrator_NotifierFailureDoesNotFailRun(t *testing.T) {
	notifier := &recordingNotifier{got: make(chan Notification, 4)}
	store := repo.NewMemoryRunRepository()
	o := New(store, nil, DefaultConfig(), zerolog.Nop(), WithNotifier(notifier))

	g := buildGraph(t, []session.NodeSpec{trigger("t"), action("a")}, [][2]string{{"t", "a"}})
	run, err := o.Start(context.Background(), StartRequest{WorkflowID: "wf-notify", Graph: g})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err = o.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	require.NoError(t, o.Shutdown(ctx))
	kinds := map[NotificationKind]bool{}
	for len(notifier.got) > 0 {
		kinds[(<-notifier.got).Kind] = true
	}
	assert.True(t, kinds[NotifyScheduled])
	assert.True(t, kinds[NotifyCompleted])
}
