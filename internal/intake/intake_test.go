package intake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
lists:
  - name: api
    prefix: API
    tasks:
      - key: schema
        title: Define schema
        category: feature
        priority: P0
        impacts:
          - path: db/schema.sql
            op: create
      - key: router
        title: Wire router
        category: feature
        depends_on: [schema]
        impacts:
          - path: api/router.go
            op: UPDATE
            confidence: 0.7
      - key: docs
        title: Document endpoints
        category: docs
        priority: P3
        relates_to: [router]
  - name: ops
    tasks:
      - key: deploy
        title: Deploy staging
        category: infra
        status: blocked
        depends_on: [router]
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	require.Len(t, m.Lists, 2)
	assert.Equal(t, 4, m.TaskCount())
	assert.Len(t, m.Edges(), 3)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		contains string
	}{
		{name: "empty", manifest: "   \n", contains: "empty"},
		{name: "no lists", manifest: "lists: []\n", contains: "no lists"},
		{name: "unknown field", manifest: "lists:\n  - name: a\n    owner: me\n", contains: "owner"},
		{
			name:     "unknown category",
			manifest: "lists:\n  - name: a\n    tasks:\n      - {key: x, title: X, category: chores}\n",
			contains: "chores",
		},
		{
			name:     "duplicate key",
			manifest: "lists:\n  - name: a\n    tasks:\n      - {key: x, title: X, category: docs}\n      - {key: x, title: Y, category: docs}\n",
			contains: "not unique",
		},
		{
			name:     "dangling reference",
			manifest: "lists:\n  - name: a\n    tasks:\n      - {key: x, title: X, category: docs, depends_on: [y]}\n",
			contains: "unknown task key y",
		},
		{
			name:     "bad operation",
			manifest: "lists:\n  - name: a\n    tasks:\n      - key: x\n        title: X\n        category: docs\n        impacts: [{path: a.go, op: WRITE}]\n",
			contains: "WRITE",
		},
		{
			name:     "in_progress status",
			manifest: "lists:\n  - name: a\n    tasks:\n      - {key: x, title: X, category: docs, status: in_progress}\n",
			contains: "cannot be imported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.manifest))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestParse_Cycle(t *testing.T) {
	manifest := `
lists:
  - name: a
    tasks:
      - {key: x, title: X, category: docs, depends_on: [y]}
      - {key: y, title: Y, category: docs, blocks: [x], depends_on: [z]}
      - {key: z, title: Z, category: docs, depends_on: [x]}
`
	_, err := Parse([]byte(manifest))
	var cycle *scheduler.DependencyCycleError
	require.True(t, errors.As(err, &cycle), "expected a cycle error, got %v", err)
	assert.GreaterOrEqual(t, len(cycle.Path), 3)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	path := filepath.Join(t.TempDir(), "backlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0644))
	m, err := LoadFile(path)
	require.NoError(t, err)

	res, err := Import(ctx, store, m, now)
	require.NoError(t, err)
	assert.Len(t, res.Lists, 2)
	assert.Equal(t, 3, res.Edges)
	assert.Equal(t, 2, res.Impacts)

	schema := res.Tasks["schema"]
	assert.Equal(t, "API-1", schema.DisplayID)
	assert.Equal(t, scheduler.P0, schema.Priority)
	assert.Equal(t, scheduler.LaneBuild, schema.Lane)
	assert.Equal(t, scheduler.P2, res.Tasks["router"].Priority, "priority defaults to P2")
	assert.Equal(t, "OPS-1", res.Tasks["deploy"].DisplayID)
	assert.Equal(t, scheduler.TaskBlocked, res.Tasks["deploy"].Status)

	edges, err := store.ListEdges(ctx, res.Lists[0].ID)
	require.NoError(t, err)
	assert.Contains(t, edges, scheduler.DependencyEdge{
		Source: res.Tasks["router"].ID, Target: schema.ID, Kind: scheduler.EdgeDependsOn,
	})

	impacts, err := store.ListFileImpacts(ctx, res.Lists[0].ID)
	require.NoError(t, err)
	require.Len(t, impacts, 2)
	for _, imp := range impacts {
		assert.Equal(t, DefaultImpactSource, imp.Source)
		if imp.Path == "api/router.go" {
			assert.InDelta(t, 0.7, imp.Confidence, 1e-9)
		}
	}
}

func TestImport_CycleAgainstExistingTasks(t *testing.T) {
	// Each manifest is acyclic on its own; the store still rejects an edge
	// that closes a loop with previously imported work.
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	first, err := Parse([]byte("lists:\n  - name: a\n    tasks:\n      - {key: x, title: X, category: docs}\n      - {key: y, title: Y, category: docs, depends_on: [x]}\n"))
	require.NoError(t, err)
	res, err := Import(ctx, store, first, now)
	require.NoError(t, err)

	x, y := res.Tasks["x"], res.Tasks["y"]
	err = store.AddEdge(ctx, scheduler.DependencyEdge{Source: x.ID, Target: y.ID, Kind: scheduler.EdgeDependsOn}, now)
	var cycle *scheduler.DependencyCycleError
	assert.True(t, errors.As(err, &cycle))
}
