package evidence

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is the subset of a GitHub Actions workflow the fix prompts need.
type Workflow struct {
	Path string
	Name string
	Jobs []Job
	raw  string
}

// Job is one workflow job in file order.
type Job struct {
	ID     string
	Name   string
	RunsOn string
	Steps  []Step
}

// Step is one job step.
type Step struct {
	Name string `yaml:"name"`
	Uses string `yaml:"uses"`
	Run  string `yaml:"run"`
}

type rawJob struct {
	Name   string    `yaml:"name"`
	RunsOn yaml.Node `yaml:"runs-on"`
	Steps  []Step    `yaml:"steps"`
}

// ParseWorkflow decodes a workflow file, keeping job order.
func ParseWorkflow(path string, data []byte) (*Workflow, error) {
	var doc struct {
		Name string    `yaml:"name"`
		Jobs yaml.Node `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}

	wf := &Workflow{Path: path, Name: doc.Name, raw: string(data)}
	if doc.Jobs.Kind == 0 {
		return wf, nil
	}
	if doc.Jobs.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse workflow %s: jobs is not a mapping", path)
	}
	for i := 0; i+1 < len(doc.Jobs.Content); i += 2 {
		id := doc.Jobs.Content[i].Value
		var rj rawJob
		if err := doc.Jobs.Content[i+1].Decode(&rj); err != nil {
			return nil, fmt.Errorf("parse workflow %s job %s: %w", path, id, err)
		}
		wf.Jobs = append(wf.Jobs, Job{
			ID:     id,
			Name:   rj.Name,
			RunsOn: runsOn(&rj.RunsOn),
			Steps:  rj.Steps,
		})
	}
	return wf, nil
}

func runsOn(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value
	case yaml.SequenceNode:
		vals := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			vals = append(vals, c.Value)
		}
		return strings.Join(vals, ",")
	default:
		return ""
	}
}

// ReferencedPaths returns repository paths named in run scripts.
func (w *Workflow) ReferencedPaths() []string {
	var scripts []string
	for _, j := range w.Jobs {
		for _, s := range j.Steps {
			if s.Run != "" {
				scripts = append(scripts, s.Run)
			}
		}
	}
	return PathTokens(strings.Join(scripts, "\n"), 0)
}

// Excerpt returns the workflow text bounded to maxChars.
func (w *Workflow) Excerpt(maxChars int) string {
	if maxChars <= 0 || len(w.raw) <= maxChars {
		return w.raw
	}
	return w.raw[:maxChars] + "\n# ... truncated\n"
}

// StepCount returns the total number of steps across jobs.
func (w *Workflow) StepCount() int {
	n := 0
	for _, j := range w.Jobs {
		n += len(j.Steps)
	}
	return n
}
