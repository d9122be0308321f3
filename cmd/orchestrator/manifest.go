package main

import (
	"fmt"
	"os"

	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// planManifest is the on-disk shape `submit` reads: a human-editable
// YAML description of a plan, decoded strictly so a typo'd field fails
// loudly rather than silently submitting a different test than intended.
type planManifest struct {
	Priority int                `yaml:"priority"`
	Tests    []testCaseManifest `yaml:"tests"`
}

type testCaseManifest struct {
	ID            string                   `yaml:"id"`
	ScriptPath    string                   `yaml:"script_path"`
	TestType      types.TestType           `yaml:"test_type"`
	TimeoutMS     int64                    `yaml:"timeout_ms"`
	PriorityHint  int                      `yaml:"priority_hint"`
	ArtifactPaths []string                 `yaml:"artifact_paths"`
	Requirements  types.HardwareRequirements `yaml:"requirements"`
}

// loadManifest reads and strictly decodes a plan manifest, then
// resolves each test's script from disk into the ExecutionPlan's
// in-memory form.
func loadManifest(path string) (*types.ExecutionPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer f.Close()

	var m planManifest
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	plan := &types.ExecutionPlan{
		ID:       uuid.New().String(),
		Priority: m.Priority,
		Tests:    make(map[string]*types.TestCase, len(m.Tests)),
	}

	for _, tm := range m.Tests {
		id := tm.ID
		if id == "" {
			id = uuid.New().String()
		}

		var script []byte
		if tm.ScriptPath != "" {
			script, err = os.ReadFile(tm.ScriptPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read script %s for test %s: %w", tm.ScriptPath, id, err)
			}
		}

		plan.Tests[id] = &types.TestCase{
			ID:                   id,
			Script:               script,
			TestType:             tm.TestType,
			HardwareRequirements: tm.Requirements,
			TimeoutMS:            tm.TimeoutMS,
			PriorityHint:         tm.PriorityHint,
			ArtifactPaths:        tm.ArtifactPaths,
		}
		plan.TestIDs = append(plan.TestIDs, id)
	}

	return plan, nil
}
