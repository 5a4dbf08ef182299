package checker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Checker is one named rule. Run inspects the input and reports findings
// into the shared result; it must not mutate the input.
type Checker struct {
	Name string
	Run  func(ctx context.Context, in *Input, out *Result) error
}

// Pipeline runs every registered checker concurrently against the same
// input and waits for all of them.
type Pipeline struct {
	checkers  []Checker
	logger    *slog.Logger
	onFailure func(name string)
}

// NewPipeline creates a pipeline over a fixed checker list.
func NewPipeline(checkers []Checker, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		checkers: checkers,
		logger:   logger.With(slog.String("component", "checker-pipeline")),
	}
}

// OnFailure registers a hook called with the checker name whenever a
// checker returns an error or panics.
func (p *Pipeline) OnFailure(fn func(name string)) {
	p.onFailure = fn
}

// Run evaluates all checkers. A failing checker loses only its own
// remaining contribution; the others still run to completion. Findings are
// returned ordered by source then ID so results are reproducible.
func (p *Pipeline) Run(ctx context.Context, in *Input, ignores []string) *Result {
	out := NewResult(ignores)

	var wg sync.WaitGroup
	for _, c := range p.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.runOne(ctx, c, in, out); err != nil {
				p.logger.Warn("checker failed", "checker", c.Name, "error", err)
				if p.onFailure != nil {
					p.onFailure(c.Name)
				}
			}
		}()
	}
	wg.Wait()

	out.mu.Lock()
	slices.SortStableFunc(out.checks, func(a, b Finding) int {
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	out.mu.Unlock()

	return out
}

func (p *Pipeline) runOne(ctx context.Context, c Checker, in *Input, out *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Run(ctx, in, out)
}
