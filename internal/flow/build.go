// Package flow turns a task's stored parameters into a declarative step
// graph. Builders are pure and deterministic: the same payload always yields
// the same step set and dependency edges. Structurally invalid payloads are
// rejected here, before anything reaches the queue.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/osvaldoandrade/mediaq/internal/registry"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// ErrInvalidPayload marks build-time rejections (malformed task payloads).
var ErrInvalidPayload = errors.New("invalid task payload")

// Build produces the validated flow graph for a task.
func Build(task *domain.Task) (*domain.Graph, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("%w: missing task", ErrInvalidPayload)
	}
	var (
		g   *domain.Graph
		err error
	)
	switch task.Type {
	case domain.TaskIngest:
		g, err = buildIngest(task)
	case domain.TaskRender:
		g, err = buildRender(task)
	case domain.TaskDetectLabels:
		g, err = buildDetectLabels(task)
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, task.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("build %s flow: %w", task.Type, err)
	}
	return g, nil
}

// step assembles a node with the registry's retry policy for its type.
func step(t domain.StepType, input any, deps ...domain.StepType) (domain.StepNode, error) {
	retry, err := registry.StepRetry(t)
	if err != nil {
		return domain.StepNode{}, err
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return domain.StepNode{}, fmt.Errorf("marshal %s input: %w", t, err)
	}
	return domain.StepNode{Type: t, Input: raw, DependsOn: deps, Retry: retry}, nil
}

func appendStep(g *domain.Graph, t domain.StepType, input any, deps ...domain.StepType) error {
	n, err := step(t, input, deps...)
	if err != nil {
		return err
	}
	g.Steps = append(g.Steps, n)
	return nil
}
