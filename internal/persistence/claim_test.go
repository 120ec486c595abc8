package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimReq(worker string, now time.Time) ClaimRequest {
	return ClaimRequest{WorkerID: worker, WorkerType: "generalist", Now: now}
}

func TestClaimTask_CanonicalOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	low := seedTask(t, store, list.ID, "low", scheduler.CategoryFeature, scheduler.P3)
	firstP1 := seedTask(t, store, list.ID, "first p1", scheduler.CategoryFeature, scheduler.P1)
	secondP1 := seedTask(t, store, list.ID, "second p1", scheduler.CategoryFeature, scheduler.P1)

	var got []string
	for i := 0; i < 3; i++ {
		c, err := store.ClaimTask(ctx, claimReq(fmt.Sprintf("w%d", i), t0))
		require.NoError(t, err)
		require.NotNil(t, c)
		got = append(got, c.Task.ID)
	}
	assert.Equal(t, []string{firstP1.ID, secondP1.ID, low.ID}, got)

	c, err := store.ClaimTask(ctx, claimReq("w9", t0))
	require.NoError(t, err)
	assert.Nil(t, c, "no eligible task left")
}

func TestClaimTask_BindsWorkerAndSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "task", scheduler.CategoryFeature, scheduler.P2)

	c, err := store.ClaimTask(ctx, ClaimRequest{WorkerID: "w1", WorkerType: "builder", Now: t0})
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, task.ID, c.Task.ID)
	assert.Equal(t, scheduler.TaskInProgress, c.Task.Status)
	assert.Equal(t, "w1", c.Task.WorkerID)
	assert.Equal(t, int64(1), c.Task.Generation)
	require.NotNil(t, c.Task.StartedAt)
	assert.True(t, c.Task.StartedAt.Equal(t0))

	assert.Equal(t, scheduler.SessionSpawning, c.Session.Status)
	assert.Equal(t, "builder", c.Session.WorkerType)
	assert.Equal(t, int64(1), c.Session.Generation)

	counts, err := store.CountActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"builder": 1}, counts)
}

func TestClaimTask_Eligibility(t *testing.T) {
	ctx := context.Background()

	t.Run("unmet dependency", func(t *testing.T) {
		store := testStore(t)
		list := seedList(t, store, "api")
		a := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P3)
		b := seedTask(t, store, list.ID, "B", scheduler.CategoryFeature, scheduler.P0)
		require.NoError(t, store.AddEdge(ctx, scheduler.DependencyEdge{Source: b.ID, Target: a.ID, Kind: scheduler.EdgeDependsOn}, t0))

		c, err := store.ClaimTask(ctx, claimReq("w1", t0))
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, a.ID, c.Task.ID, "B is P0 but waits on A")

		none, err := store.ClaimTask(ctx, claimReq("w2", t0))
		require.NoError(t, err)
		assert.Nil(t, none)

		_, err = store.CompleteTask(ctx, c.Session.ID, c.Session.Generation, t0)
		require.NoError(t, err)
		next, err := store.ClaimTask(ctx, claimReq("w2", t0))
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, b.ID, next.Task.ID)
	})

	t.Run("blocks edge", func(t *testing.T) {
		store := testStore(t)
		list := seedList(t, store, "api")
		a := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P3)
		b := seedTask(t, store, list.ID, "B", scheduler.CategoryFeature, scheduler.P0)
		require.NoError(t, store.AddEdge(ctx, scheduler.DependencyEdge{Source: a.ID, Target: b.ID, Kind: scheduler.EdgeBlocks}, t0))

		c, err := store.ClaimTask(ctx, claimReq("w1", t0))
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, a.ID, c.Task.ID)
	})

	t.Run("skipped dependency counts as met", func(t *testing.T) {
		store := testStore(t)
		list := seedList(t, store, "api")
		a := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)
		b := seedTask(t, store, list.ID, "B", scheduler.CategoryFeature, scheduler.P2)
		require.NoError(t, store.AddEdge(ctx, scheduler.DependencyEdge{Source: b.ID, Target: a.ID, Kind: scheduler.EdgeDependsOn}, t0))
		_, err := store.SetTaskStatus(ctx, a.ID, scheduler.TaskSkipped, "", t0)
		require.NoError(t, err)

		c, err := store.ClaimTask(ctx, claimReq("w1", t0))
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, b.ID, c.Task.ID)
	})

	t.Run("category filter", func(t *testing.T) {
		store := testStore(t)
		list := seedList(t, store, "api")
		seedTask(t, store, list.ID, "docs", scheduler.CategoryDocs, scheduler.P0)
		fix := seedTask(t, store, list.ID, "fix", scheduler.CategoryBugfix, scheduler.P3)

		c, err := store.ClaimTask(ctx, ClaimRequest{
			WorkerID: "w1", WorkerType: "fixer", Now: t0,
			Categories: []scheduler.Category{scheduler.CategoryBugfix, scheduler.CategoryTest},
		})
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, fix.ID, c.Task.ID)
	})

	t.Run("list filter", func(t *testing.T) {
		store := testStore(t)
		api := seedList(t, store, "api")
		web := seedList(t, store, "web")
		seedTask(t, store, api.ID, "api task", scheduler.CategoryFeature, scheduler.P0)
		webTask := seedTask(t, store, web.ID, "web task", scheduler.CategoryFeature, scheduler.P3)

		req := claimReq("w1", t0)
		req.ListID = web.ID
		c, err := store.ClaimTask(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, webTask.ID, c.Task.ID)
	})

	t.Run("blocked and ready are not claimable", func(t *testing.T) {
		store := testStore(t)
		list := seedList(t, store, "api")
		a := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)
		b := seedTask(t, store, list.ID, "B", scheduler.CategoryFeature, scheduler.P2)
		_, err := store.SetTaskStatus(ctx, a.ID, scheduler.TaskBlocked, "", t0)
		require.NoError(t, err)
		_, err = store.SetTaskStatus(ctx, b.ID, scheduler.TaskReady, "", t0)
		require.NoError(t, err)

		c, err := store.ClaimTask(ctx, claimReq("w1", t0))
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("held list", func(t *testing.T) {
		store := testStore(t)
		list := seedList(t, store, "api")
		seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)
		require.NoError(t, store.FlagListForReview(ctx, list.ID, "conflict loop exhausted", t0))

		c, err := store.ClaimTask(ctx, claimReq("w1", t0))
		require.NoError(t, err)
		assert.Nil(t, c)

		held, err := store.GetList(ctx, list.ID)
		require.NoError(t, err)
		assert.Equal(t, "conflict loop exhausted", held.Hold)
		run, err := store.CurrentRun(ctx, list.ID)
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, scheduler.RunNeedsReview, run.Status)
	})
}

func TestClaimTask_NoMutationWhenNothingEligible(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "A", scheduler.CategoryDocs, scheduler.P2)

	c, err := store.ClaimTask(ctx, ClaimRequest{
		WorkerID: "w1", WorkerType: "builder", Now: t0,
		Categories: []scheduler.Category{scheduler.CategoryFeature},
	})
	require.NoError(t, err)
	assert.Nil(t, c)

	after, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, after.Status)
	assert.Equal(t, int64(0), after.Generation)

	counts, err := store.CountActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestClaimTask_RequiresWorker(t *testing.T) {
	store := testStore(t)
	_, err := store.ClaimTask(context.Background(), ClaimRequest{WorkerType: "x", Now: t0})
	assert.Error(t, err)
}

// Two concurrent claims for one eligible task: exactly one wins.
func TestClaimTask_RaceForSingleTask(t *testing.T) {
	store := fileStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	task := seedTask(t, store, list.ID, "only", scheduler.CategoryFeature, scheduler.P2)

	var wg sync.WaitGroup
	results := make([]*Claim, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.ClaimTask(ctx, claimReq(fmt.Sprintf("w%d", i), t0))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	winners := 0
	for _, c := range results {
		if c != nil {
			winners++
			assert.Equal(t, task.ID, c.Task.ID)
		}
	}
	assert.Equal(t, 1, winners)
}

// N concurrent claimers against M eligible tasks produce exactly min(N, M)
// claims and no task is handed out twice.
func TestClaimTask_ConcurrentClaimsAreDistinct(t *testing.T) {
	tests := []struct{ workers, tasks int }{
		{workers: 8, tasks: 5},
		{workers: 3, tasks: 6},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d M=%d", tt.workers, tt.tasks), func(t *testing.T) {
			store := fileStore(t)
			ctx := context.Background()
			list := seedList(t, store, "api")
			for i := 0; i < tt.tasks; i++ {
				seedTask(t, store, list.ID, fmt.Sprintf("t%d", i), scheduler.CategoryFeature, scheduler.P2)
			}

			var mu sync.Mutex
			claimed := make(map[string]string)
			var wg sync.WaitGroup
			for w := 0; w < tt.workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					worker := fmt.Sprintf("w%d", w)
					c, err := store.ClaimTask(ctx, claimReq(worker, t0))
					if !assert.NoError(t, err) || c == nil {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if prev, dup := claimed[c.Task.ID]; dup {
						t.Errorf("task %s claimed by %s and %s", c.Task.ID, prev, worker)
					}
					claimed[c.Task.ID] = worker
				}(w)
			}
			wg.Wait()

			want := tt.workers
			if tt.tasks < want {
				want = tt.tasks
			}
			assert.Len(t, claimed, want)

			inProgress, err := store.ListTasks(ctx, TaskFilter{Statuses: []scheduler.TaskStatus{scheduler.TaskInProgress}})
			require.NoError(t, err)
			assert.Len(t, inProgress, want)
		})
	}
}

func TestClaimTaskByID(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	list := seedList(t, store, "api")
	a := seedTask(t, store, list.ID, "A", scheduler.CategoryFeature, scheduler.P2)
	b := seedTask(t, store, list.ID, "B", scheduler.CategoryFeature, scheduler.P2)
	require.NoError(t, store.AddEdge(ctx, scheduler.DependencyEdge{Source: b.ID, Target: a.ID, Kind: scheduler.EdgeDependsOn}, t0))

	c, err := store.ClaimTaskByID(ctx, a.DisplayID, claimReq("admin", t0))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, a.ID, c.Task.ID)

	_, err = store.ClaimTaskByID(ctx, a.ID, claimReq("other", t0))
	var conflict *scheduler.ClaimConflictError
	assert.ErrorAs(t, err, &conflict)

	_, err = store.ClaimTaskByID(ctx, b.ID, claimReq("other", t0))
	assert.ErrorIs(t, err, ErrNotClaimable)

	_, err = store.ClaimTaskByID(ctx, "missing", claimReq("other", t0))
	assert.ErrorIs(t, err, scheduler.ErrNotFound)
}
