package chat

import (
	"context"

	"github.com/rs/zerolog"

	"healthchat/internal/metrics"
)

type step struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
	checkpoint bool
}

// pipeline runs named steps in order. When a step fails, compensations of the
// steps completed since the last checkpoint run in reverse; writes before a
// checkpoint are kept. The failure is returned as a *FlowError.
type pipeline struct {
	flow    string
	steps   []step
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newPipeline(flow string, logger zerolog.Logger, m *metrics.Metrics) *pipeline {
	return &pipeline{flow: flow, logger: logger, metrics: m}
}

func (p *pipeline) add(name string, run func(ctx context.Context) error) *pipeline {
	p.steps = append(p.steps, step{name: name, run: run})
	return p
}

func (p *pipeline) addCompensated(name string, run, compensate func(ctx context.Context) error) *pipeline {
	p.steps = append(p.steps, step{name: name, run: run, compensate: compensate})
	return p
}

// addCheckpoint adds a step whose success makes every earlier write permanent.
func (p *pipeline) addCheckpoint(name string, run func(ctx context.Context) error) *pipeline {
	p.steps = append(p.steps, step{name: name, run: run, checkpoint: true})
	return p
}

func (p *pipeline) run(ctx context.Context) error {
	var (
		completed []string
		undo      []step
	)
	for _, s := range p.steps {
		if err := s.run(ctx); err != nil {
			p.rollback(ctx, undo)
			p.metrics.RecordFlowFailure(p.flow, s.name)
			p.logger.Error().Err(err).
				Str("flow", p.flow).
				Str("step", s.name).
				Strs("completed", completed).
				Msg("flow step failed")
			return &FlowError{Flow: p.flow, Completed: completed, Failed: s.name, Err: err}
		}
		completed = append(completed, s.name)
		if s.checkpoint {
			undo = nil
		} else if s.compensate != nil {
			undo = append(undo, s)
		}
	}
	return nil
}

func (p *pipeline) rollback(ctx context.Context, undo []step) {
	// compensations must run even if the request context is already done
	ctx = context.WithoutCancel(ctx)
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].compensate(ctx); err != nil {
			p.logger.Error().Err(err).Str("flow", p.flow).Str("step", undo[i].name).Msg("compensation failed")
		}
	}
}
