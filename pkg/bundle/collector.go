package bundle

import (
	"context"
	"fmt"

	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/manifest"
)

// DefaultRepairTries bounds FORMAT_REPAIR re-prompts per acquisition.
const DefaultRepairTries = 3

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Prompts renders the follow-up prompts a Collector needs.
type Prompts interface {
	Continue(base string, part, total int) (string, error)
	FormatRepair(base, parseErr string) (string, error)
}

// Collector drives a generator until a complete bundle has been received.
type Collector struct {
	gen         Generator
	prompts     Prompts
	logger      *logx.Logger
	sink        func(name, content string)
	opts        manifest.Options
	maxParts    int
	repairTries int
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithMaxParts caps continuation requests.
func WithMaxParts(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 && n <= MaxParts {
			c.maxParts = n
		}
	}
}

// WithRepairTries sets how many generation rounds Acquire may spend.
func WithRepairTries(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.repairTries = n
		}
	}
}

// WithParseOptions sets the manifest options used during assembly.
func WithParseOptions(opts manifest.Options) CollectorOption {
	return func(c *Collector) { c.opts = opts }
}

// WithSink receives every prompt, part and parse error, keyed by a file-like name.
func WithSink(sink func(name, content string)) CollectorOption {
	return func(c *Collector) { c.sink = sink }
}

// NewCollector creates a collector.
func NewCollector(gen Generator, prompts Prompts, opts ...CollectorOption) *Collector {
	c := &Collector{
		gen:         gen,
		prompts:     prompts,
		logger:      logx.NewLogger("bundle"),
		maxParts:    MaxParts,
		repairTries: DefaultRepairTries,
		sink:        func(string, string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect sends prompt, then asks for each remaining declared part.
func (c *Collector) Collect(ctx context.Context, prompt string) ([]string, error) {
	first, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	first = manifest.StripFence(first)
	parts := []string{first}
	c.sink("part_1.txt", first)

	x, y := TotalParts(first)
	if y <= 1 {
		return parts, nil
	}
	if y > c.maxParts {
		c.logger.Warn("generator declared %d parts, collecting at most %d", y, c.maxParts)
	}

	for cur := x; cur < y && cur < c.maxParts; {
		cur++
		cont, err := c.prompts.Continue(prompt, cur, y)
		if err != nil {
			return nil, fmt.Errorf("render continuation prompt: %w", err)
		}
		next, err := c.gen.Generate(ctx, cont)
		if err != nil {
			return nil, err
		}
		next = manifest.StripFence(next)
		parts = append(parts, next)
		c.sink(fmt.Sprintf("part_%d.txt", cur), next)
	}
	return parts, nil
}

// Acquire collects and assembles a bundle, re-prompting with the parse error when
// assembly fails. Generator errors are returned as-is so callers can see quota
// signals.
func (c *Collector) Acquire(ctx context.Context, prompt string) (*manifest.Manifest, []string, error) {
	current := prompt
	var lastErr error
	for try := 1; try <= c.repairTries; try++ {
		if try > 1 {
			repaired, err := c.prompts.FormatRepair(prompt, lastErr.Error())
			if err != nil {
				return nil, nil, fmt.Errorf("render format repair prompt: %w", err)
			}
			current = repaired
		}
		c.sink(fmt.Sprintf("try_%d_prompt.txt", try), current)

		parts, err := c.Collect(ctx, current)
		if err != nil {
			return nil, nil, err
		}
		m, err := Assemble(parts, c.opts)
		if err == nil {
			c.logger.Info("assembled bundle: %s (%d parts, try %d)", m.Summary(), len(parts), try)
			return m, parts, nil
		}
		lastErr = err
		c.sink(fmt.Sprintf("try_%d_parse_error.txt", try), err.Error()+"\n")
		c.logger.Warn("bundle parse failed on try %d/%d: %v", try, c.repairTries, err)
	}
	return nil, nil, fmt.Errorf("bundle not acquired after %d tries: %w", c.repairTries, lastErr)
}
