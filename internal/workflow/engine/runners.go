package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowstudio/internal/workflow/models"
)

// NodeRunner performs the work of one node kind. input maps each predecessor
// id to its output; root nodes receive the run input under "input".
type NodeRunner interface {
	Run(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error)
}

type RunnerFunc func(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error)

func (f RunnerFunc) Run(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
	return f(ctx, node, input)
}

type RunnerRegistry struct {
	mu      sync.RWMutex
	runners map[models.NodeKind]NodeRunner
}

func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{runners: make(map[models.NodeKind]NodeRunner)}
}

func (r *RunnerRegistry) Register(kind models.NodeKind, runner NodeRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

func (r *RunnerRegistry) Get(kind models.NodeKind) (NodeRunner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("no runner registered for node kind %q", kind)
	}
	return runner, nil
}

// DefaultRunners registers the built-in kinds. Agent and HTTP request nodes
// need an integration and are left to the caller.
func DefaultRunners() *RunnerRegistry {
	r := NewRunnerRegistry()
	r.Register(models.NodeKindTrigger, RunnerFunc(runTrigger))
	r.Register(models.NodeKindAction, RunnerFunc(runAction))
	r.Register(models.NodeKindCondition, RunnerFunc(runCondition))
	r.Register(models.NodeKindDelay, RunnerFunc(runDelay))
	r.Register(models.NodeKindTransform, RunnerFunc(runTransform))
	return r
}

func runTrigger(_ context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
	out := models.JSONMap{}
	if payload, ok := node.Config["payload"]; ok {
		for k, v := range payload.Object {
			out[k] = v.Interface()
		}
	}
	if in, ok := asMap(input["input"]); ok {
		for k, v := range in {
			out[k] = v
		}
	}
	return out, nil
}

func runAction(_ context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
	out := models.JSONMap{
		"operation": node.Config["operation"].String,
		"input":     input,
	}
	if params, ok := node.Config["params"]; ok {
		out["params"] = params.Interface()
	}
	return out, nil
}

// runCondition compares a field of the merged upstream outputs with the
// configured value.
func runCondition(_ context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
	field := node.Config["field"].String
	var actual any
	for _, upstream := range input {
		if m, ok := asMap(upstream); ok {
			if v, ok := m[field]; ok {
				actual = v
			}
		}
	}
	result := fmt.Sprint(actual) == node.Config["equals"].String
	if node.Config["negate"].Bool {
		result = !result
	}
	return models.JSONMap{"result": result}, nil
}

func runDelay(ctx context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
	d := time.Duration(node.Config["milliseconds"].Number) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runTransform merges every upstream output and applies the "set" overrides.
func runTransform(_ context.Context, node *models.Node, input models.JSONMap) (models.JSONMap, error) {
	out := models.JSONMap{}
	for _, upstream := range input {
		if m, ok := asMap(upstream); ok {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	if set, ok := node.Config["set"]; ok {
		for k, v := range set.Object {
			out[k] = v.Interface()
		}
	}
	return out, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case models.JSONMap:
		return m, true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}
