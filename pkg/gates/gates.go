// Package gates evaluates phase output against declared quality gates.
package gates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgeline/phasor/pkg/models"
)

// Gate validates the output a worker left in a phase workspace.
//
// Blocking gates run inside the phase goroutine; a gate must never be called
// from paths that service heartbeats.
type Gate interface {
	Evaluate(ctx context.Context, workspace string, phase models.PhaseSpec) (models.GateResult, error)
}

// Factory builds a gate instance from its declared params.
type Factory func(params map[string]any) (Gate, error)

// Registry maps gate types to factories.
type Registry struct {
	logger    *slog.Logger
	factories map[models.GateType]Factory
}

// NewRegistry creates an empty gate registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[models.GateType]Factory),
	}
}

// NewDefaultRegistry creates a registry with every built-in gate registered.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(models.GateTypeFilesExist, NewFilesExistGate)
	r.Register(models.GateTypeSyntaxCheck, NewSyntaxCheckGate)
	r.Register(models.GateTypeTestsPass, NewTestsPassGate)
	r.Register(models.GateTypeReviewApproved, NewReviewApprovedGate)
	r.Register(models.GateTypeSchemaValid, NewSchemaValidGate)
	r.Register(models.GateTypeManual, NewManualGate)

	return r
}

// Register adds a gate factory.
func (r *Registry) Register(gateType models.GateType, factory Factory) {
	r.factories[gateType] = factory
}

// Create builds a gate for the given spec. An unregistered type is a fatal
// phase error at runtime.
func (r *Registry) Create(spec models.QualityGateSpec) (Gate, error) {
	factory, ok := r.factories[spec.Type]
	if !ok {
		return nil, fmt.Errorf("gate type '%s' not registered", spec.Type)
	}

	return factory(spec.Params)
}

func stringParam(params map[string]any, key, fallback string) string {
	if value, ok := params[key].(string); ok && value != "" {
		return value
	}

	return fallback
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
