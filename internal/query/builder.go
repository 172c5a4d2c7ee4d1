package query

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rpattn/dmquery/internal/metrics"
)

// RootStepName is the name given to the first step of every query.
const RootStepName = "0"

// QueryBuilder is an ordered container of steps. Every step's parent precedes
// it, so iteration order is a valid execution order.
type QueryBuilder struct {
	steps    []*Step
	byName   map[string]*Step
	counters map[string]int

	pageSize  int
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewQueryBuilder creates an empty builder.
func NewQueryBuilder(opts ...Option) *QueryBuilder {
	cfg := newSettings(opts)
	return &QueryBuilder{
		byName:    make(map[string]*Step),
		counters:  make(map[string]int),
		pageSize:  cfg.pageSize,
		chunkSize: cfg.chunkSize,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
	}
}

// Append adds a step. The step's parent must already be present and its name
// must be unused.
func (b *QueryBuilder) Append(step *Step) error {
	if step == nil {
		return fmt.Errorf("%w: nil step", ErrInconsistentState)
	}
	if step.Name == "" {
		return fmt.Errorf("%w: step without name", ErrInconsistentState)
	}
	if _, exists := b.byName[step.Name]; exists {
		return fmt.Errorf("%w: duplicate step name %q", ErrInconsistentState, step.Name)
	}
	if step.IsRoot() {
		if len(b.steps) > 0 {
			return fmt.Errorf("%w: step %q has no parent but the query already has a root", ErrInconsistentState, step.Name)
		}
	} else if _, ok := b.byName[step.From]; !ok {
		return fmt.Errorf("%w: step %q depends on %q which has not been added", ErrInconsistentState, step.Name, step.From)
	}
	b.steps = append(b.steps, step)
	b.byName[step.Name] = step
	return nil
}

// Extend appends steps in order, stopping at the first failure.
func (b *QueryBuilder) Extend(steps []*Step) error {
	for _, step := range steps {
		if err := b.Append(step); err != nil {
			return err
		}
	}
	return nil
}

// CreateName returns a fresh step name: RootStepName for the root and
// "<from>_<n>" for the n-th child of from.
func (b *QueryBuilder) CreateName(from string) string {
	if from == "" {
		return RootStepName
	}
	n := b.counters[from]
	b.counters[from] = n + 1
	return from + "_" + strconv.Itoa(n)
}

// GetFrom returns the name of the most recently appended step.
func (b *QueryBuilder) GetFrom() string {
	if len(b.steps) == 0 {
		return ""
	}
	return b.steps[len(b.steps)-1].Name
}

// Steps returns the steps in dependency order.
func (b *QueryBuilder) Steps() []*Step {
	return append([]*Step(nil), b.steps...)
}

// Build binds an executor to the current step sequence.
func (b *QueryBuilder) Build() *StepExecutor {
	return &StepExecutor{
		steps:     b.Steps(),
		pageSize:  b.pageSize,
		chunkSize: b.chunkSize,
		logger:    b.logger,
		metrics:   b.metrics,
	}
}
