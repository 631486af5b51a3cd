package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

const sampleDir = "../../examples/change-management"

type actionSet map[string]bool

func (s actionSet) Has(action string) bool { return s[action] }

func TestSampleHome_LoadsEveryDocument(t *testing.T) {
	cfg, err := Load(sampleDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sampleDir, "policy.yaml"), cfg.Documents.Policy)
	assert.Equal(t, filepath.Join(sampleDir, "runs"), cfg.Store.RunsDir)
	require.Len(t, cfg.Lanes, 2)

	pol, err := LoadPolicy(cfg.Documents.Policy)
	require.NoError(t, err)
	assert.Equal(t, "change-governance", pol.PolicyID)
	require.Len(t, pol.Levels, 4)
	assert.True(t, pol.Levels[2].RequiresHumanReview)
	assert.Equal(t, []schema.GovernanceLevel{schema.LevelA0, schema.LevelA1, schema.LevelA2, schema.LevelA3}, pol.EscalationPath)

	manifest, err := LoadManifest(cfg.Documents.Manifest)
	require.NoError(t, err)
	apply, ok := manifest.Tool("change.apply")
	require.True(t, ok)
	assert.True(t, apply.IsUnsafe())
	assert.Equal(t, 60, apply.Constraints.TimeoutSeconds)

	sandboxes, err := LoadSandboxes(cfg.Documents.Sandboxes)
	require.NoError(t, err)
	require.Len(t, sandboxes, 1)
	assert.Equal(t, schema.NetworkDenyAll, sandboxes[0].Network.Mode)
	assert.InDelta(t, 1.0, sandboxes[0].Resources.CPUCores, 1e-9)

	known := actionSet{}
	for _, tool := range manifest.Tools {
		known[tool.ToolID] = true
	}
	workflows, err := LoadWorkflows(cfg.Documents.WorkflowsDir, known)
	require.NoError(t, err)
	wf, ok := workflows["wf-change"]
	require.True(t, ok)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, 2, wf.Steps[1].MaxAttempts())
	assert.Equal(t, schema.HitlTypeApproval, wf.Steps[2].Hitl.Type)
}

func TestReadDocument_JSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `{"n": 1}`)
	writeFile(t, filepath.Join(dir, "b.yml"), "n: 1\n")

	doc, err := ReadDocument(filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.Contains(t, doc, "n")

	doc, err = ReadDocument(filepath.Join(dir, "b.yml"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, doc)

	_, err = ReadDocument(filepath.Join(dir, "missing.yaml"))
	requireCode(t, err, schema.ErrCodeNotFound)

	writeFile(t, filepath.Join(dir, "empty.yaml"), "")
	_, err = ReadDocument(filepath.Join(dir, "empty.yaml"))
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestLoadPolicy_RejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, path, `
policy_id: p
name: P
version: v1
owner: me
created_at: "2026-01-05T09:00:00Z"
updated_at: "2026-01-05T09:00:00Z"
levels: []
escalation_path: [A9]
`)
	_, err := LoadPolicy(path)
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestLoadSandboxes_AcceptsListAndRejectsDuplicates(t *testing.T) {
	sample, err := ReadDocument(filepath.Join(sampleDir, "sandboxes.yaml"))
	require.NoError(t, err)
	require.NotNil(t, sample)

	dir := t.TempDir()
	entry := `
  - sandbox_id: sbx-a
    name: A
    version: 1.0.0
    owner: platform
    created_at: "2026-01-05T09:00:00Z"
    updated_at: "2026-01-05T09:00:00Z"
    execution_lane: python
    filesystem: {mode: deny-all, read_paths: [], write_paths: []}
    network: {mode: deny-all, allow_hosts: [], allow_ports: []}
    environment: {allowlist: []}
    resources: {cpu_cores: 0.5, memory_mb: 64, timeout_seconds: 5}
    logging: {redact_patterns: []}
`
	writeFile(t, filepath.Join(dir, "one.yaml"), entry)
	list, err := LoadSandboxes(filepath.Join(dir, "one.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sbx-a", list[0].SandboxID)

	writeFile(t, filepath.Join(dir, "dup.yaml"), entry+entry)
	_, err = LoadSandboxes(filepath.Join(dir, "dup.yaml"))
	requireCode(t, err, schema.ErrCodeValidation)

	writeFile(t, filepath.Join(dir, "bad.yaml"), "- sandbox_id: sbx-b\n")
	_, err = LoadSandboxes(filepath.Join(dir, "bad.yaml"))
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestLoadWorkflows(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "workflow_id: wf-a\nname: A\nsteps:\n  - {step_id: s1, name: S1, action: run}\n")
	writeFile(t, filepath.Join(dir, "b.json"), `{"workflow_id": "wf-b", "name": "B", "steps": []}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	got, err := LoadWorkflows(dir, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = LoadWorkflows(dir, actionSet{})
	requireCode(t, err, schema.ErrCodeValidation)

	writeFile(t, filepath.Join(dir, "c.yaml"), "workflow_id: wf-a\nname: Again\nsteps: []\n")
	_, err = LoadWorkflows(dir, nil)
	requireCode(t, err, schema.ErrCodeConflict)

	missing, err := LoadWorkflows(filepath.Join(dir, "nope"), nil)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLoadWorkflow_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	writeFile(t, path, "workflow_id: wf\nname: W\nsteps:\n  - {step_id: s1, name: S1, action: run, parallel: true}\n")
	_, err := LoadWorkflow(path, nil)
	requireCode(t, err, schema.ErrCodeValidation)
}
