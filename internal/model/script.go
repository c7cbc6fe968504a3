package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
)

// Script plays back a fixed decision list from a YAML file:
//
//	steps:
//	  - command: "pytest -q"
//	  - action:
//	      kind: apply_patch
//	      patch:
//	        unified_diff: |
//	          --- a/f.py
//	          ...
//	  - done: true
//	    reason: tests pass
//
// Runs driven by a script are fully deterministic, which is what the
// replay verifier and the integration tests want.
type Script struct {
	mu    sync.Mutex
	steps []Decision
	next  int
}

func NewScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var doc struct {
		Steps []map[string]any `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("script %s has no steps", path)
	}

	steps := make([]Decision, 0, len(doc.Steps))
	for i, raw := range doc.Steps {
		// Round-trip through JSON so the Decision json tags apply.
		blob, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("script %s: step %d: %w", path, i+1, err)
		}
		var d Decision
		if err := json.Unmarshal(blob, &d); err != nil {
			return nil, fmt.Errorf("script %s: step %d: %w", path, i+1, err)
		}
		if err := d.Normalize(); err != nil {
			return nil, fmt.Errorf("script %s: step %d: %w", path, i+1, err)
		}
		steps = append(steps, d)
	}
	return &Script{steps: steps}, nil
}

func (s *Script) Name() string { return "script" }

func (s *Script) Next(ctx context.Context, req Request) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.steps) {
		return Decision{Done: true, Reason: "script exhausted"}, nil
	}
	d := s.steps[s.next]
	s.next++
	return d, nil
}
