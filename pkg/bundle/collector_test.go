package bundle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	responses []string
	prompts   []string
	err       error
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	out := g.responses[0]
	g.responses = g.responses[1:]
	return out, nil
}

type plainPrompts struct{}

func (plainPrompts) Continue(base string, part, total int) (string, error) {
	return fmt.Sprintf("%s\nCONTINUE %d/%d", base, part, total), nil
}

func (plainPrompts) FormatRepair(base, parseErr string) (string, error) {
	return base + "\nFORMAT_REPAIR " + parseErr, nil
}

func TestCollectFollowsDeclaredParts(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"```\nFD_BUNDLE_V1 PART 1/3\nwork_item_id: W\nproducer_role: B\nFILE: a\n<<<\na\n>>>\nEND\n```",
		"FD_BUNDLE_V1 PART 2/3\nFILE: b\n<<<\nb\n>>>\nEND",
		"FD_BUNDLE_V1 PART 3/3\nFILE: c\n<<<\nc\n>>>\nEND",
	}}
	c := NewCollector(gen, plainPrompts{})

	parts, err := c.Collect(context.Background(), "BASE")
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.True(t, strings.HasPrefix(parts[0], "FD_BUNDLE_V1 PART 1/3"))
	assert.Equal(t, "BASE\nCONTINUE 2/3", gen.prompts[1])
	assert.Equal(t, "BASE\nCONTINUE 3/3", gen.prompts[2])
}

func TestCollectCapsParts(t *testing.T) {
	responses := []string{"FD_BUNDLE_V1 PART 1/20\nwork_item_id: W\nproducer_role: B\nFILE: p1\n<<<\nx\n>>>\nEND"}
	for i := 2; i <= 20; i++ {
		responses = append(responses, fmt.Sprintf("FD_BUNDLE_V1 PART %d/20\nFILE: p%d\n<<<\nx\n>>>\nEND", i, i))
	}
	gen := &scriptedGenerator{responses: responses}
	c := NewCollector(gen, plainPrompts{})

	parts, err := c.Collect(context.Background(), "BASE")
	require.NoError(t, err)
	assert.Len(t, parts, MaxParts)
}

func TestAcquireRepairsFormat(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"I think you should change a.txt",
		"FD_BUNDLE_V1 PART 1/1\nwork_item_id: W\nproducer_role: B\nFILE: a.txt\n<<<\nfixed\n>>>\nEND",
	}}
	var sunk []string
	c := NewCollector(gen, plainPrompts{}, WithSink(func(name, _ string) { sunk = append(sunk, name) }))

	m, parts, err := c.Acquire(context.Background(), "BASE")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
	assert.Equal(t, []string{"a.txt"}, m.Paths())
	require.Len(t, gen.prompts, 2)
	assert.Contains(t, gen.prompts[1], "FORMAT_REPAIR")
	assert.Contains(t, sunk, "try_1_parse_error.txt")
}

func TestAcquireGivesUp(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"nope", "nope", "nope"}}
	c := NewCollector(gen, plainPrompts{}, WithRepairTries(3))

	_, _, err := c.Acquire(context.Background(), "BASE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 tries")
	assert.Len(t, gen.prompts, 3)
}

func TestAcquirePropagatesGeneratorError(t *testing.T) {
	quota := errors.New("quota exceeded")
	gen := &scriptedGenerator{err: quota}
	c := NewCollector(gen, plainPrompts{})

	_, _, err := c.Acquire(context.Background(), "BASE")
	require.ErrorIs(t, err, quota)
	assert.Len(t, gen.prompts, 1)
}
