package replication

import (
	"testing"

	"github.com/calan/calansync/internal/models"
	"github.com/calan/calansync/internal/peers"
	"github.com/calan/calansync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, seed models.TaskMap) (*Controller, *memStore, *fakeSender) {
	t.Helper()

	store := newMemStore(seed)
	sender := &fakeSender{}
	c := New(store, peers.NewDirectory(), sender, "TestNode", 0, 0)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	return c, store, sender
}

func TestApplyTaskUpdateInsert(t *testing.T) {
	c, _, _ := newTestController(t, nil)

	c.applyTaskUpdate(models.Task{ID: "t1", Description: "water the plants", Date: "2024-01-01", UpdatedAt: tsAt(10)}, protocol.OpAdd)

	live := c.TasksSnapshot()
	require.Len(t, live["2024-01-01"], 1)
	assert.Equal(t, "t1", live["2024-01-01"][0].ID)
	assert.Equal(t, "water the plants", live["2024-01-01"][0].Description)
}

func TestApplyTaskUpdateIdempotent(t *testing.T) {
	c, store, _ := newTestController(t, nil)
	update := models.Task{ID: "t1", Description: "water the plants", Date: "2024-01-01", UpdatedAt: tsAt(10)}

	c.applyTaskUpdate(update, protocol.OpAdd)
	once := c.TasksSnapshot()

	c.applyTaskUpdate(update, protocol.OpAdd)
	twice := c.TasksSnapshot()

	assert.Equal(t, once, twice)
	assert.Equal(t, once, store.snapshot().Live())
}

func TestApplyTaskUpdateLWW(t *testing.T) {
	seed := models.TaskMap{
		"2024-01-01": {{ID: "t1", Description: "local text", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	}

	t.Run("older remote is ignored", func(t *testing.T) {
		c, _, _ := newTestController(t, seed)

		c.applyTaskUpdate(models.Task{ID: "t1", Description: "stale text", Date: "2024-01-01", UpdatedAt: tsAt(9)}, protocol.OpUpdate)

		live := c.TasksSnapshot()
		assert.Equal(t, "local text", live["2024-01-01"][0].Description)
		assert.Equal(t, tsAt(10), live["2024-01-01"][0].UpdatedAt)
	})

	t.Run("equal timestamps favor the local copy", func(t *testing.T) {
		c, _, _ := newTestController(t, seed)

		c.applyTaskUpdate(models.Task{ID: "t1", Description: "tied text", Date: "2024-01-01", UpdatedAt: tsAt(10)}, protocol.OpUpdate)

		assert.Equal(t, "local text", c.TasksSnapshot()["2024-01-01"][0].Description)
	})

	t.Run("newer remote wins and keeps the id", func(t *testing.T) {
		c, _, _ := newTestController(t, seed)

		c.applyTaskUpdate(models.Task{ID: "t1", Description: "fresh text", Date: "2024-01-01", UpdatedAt: tsAt(11)}, protocol.OpUpdate)

		live := c.TasksSnapshot()
		require.Len(t, live["2024-01-01"], 1)
		assert.Equal(t, "t1", live["2024-01-01"][0].ID)
		assert.Equal(t, "fresh text", live["2024-01-01"][0].Description)
		assert.Equal(t, tsAt(11), live["2024-01-01"][0].UpdatedAt)
	})

	t.Run("remote wins when local has no timestamp", func(t *testing.T) {
		c, _, _ := newTestController(t, models.TaskMap{
			"2024-01-01": {{ID: "t1", Description: "undated", Status: models.StatusActive}},
		})

		c.applyTaskUpdate(models.Task{ID: "t1", Description: "dated", Date: "2024-01-01", UpdatedAt: tsAt(9)}, protocol.OpUpdate)

		assert.Equal(t, "dated", c.TasksSnapshot()["2024-01-01"][0].Description)
	})
}

func TestApplyTaskUpdateDelete(t *testing.T) {
	t.Run("removes the task and drops the empty bucket", func(t *testing.T) {
		c, _, _ := newTestController(t, models.TaskMap{
			"2024-01-01": {{ID: "t1", Description: "doomed", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
		})

		c.applyTaskUpdate(models.Task{ID: "t1", Date: "2024-01-01"}, protocol.OpDelete)

		assert.NotContains(t, c.TasksSnapshot(), "2024-01-01")
	})

	t.Run("deleting an absent task is a silent no-op", func(t *testing.T) {
		c, store, _ := newTestController(t, nil)
		before := store.snapshot()

		c.applyTaskUpdate(models.Task{ID: "ghost", Date: "2024-01-01"}, protocol.OpDelete)

		assert.Equal(t, before, store.snapshot())
		assert.Zero(t, c.Stats().Errors)
	})
}

func TestApplyTaskUpdateMove(t *testing.T) {
	seed := models.TaskMap{
		"2024-01-01": {{ID: "t1", Description: "movable", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	}

	t.Run("ends up in exactly the new bucket", func(t *testing.T) {
		c, _, _ := newTestController(t, seed)

		c.applyTaskUpdate(models.Task{
			ID: "t1", Description: "movable", Date: "2024-01-05", OldDate: "2024-01-01", UpdatedAt: tsAt(11),
		}, protocol.OpMove)

		live := c.TasksSnapshot()
		assert.NotContains(t, live, "2024-01-01")
		require.Len(t, live["2024-01-05"], 1)
		assert.Equal(t, "t1", live["2024-01-05"][0].ID)
	})

	t.Run("is idempotent", func(t *testing.T) {
		c, _, _ := newTestController(t, seed)
		move := models.Task{ID: "t1", Description: "movable", Date: "2024-01-05", OldDate: "2024-01-01", UpdatedAt: tsAt(11)}

		c.applyTaskUpdate(move, protocol.OpMove)
		once := c.TasksSnapshot()
		c.applyTaskUpdate(move, protocol.OpMove)

		assert.Equal(t, once, c.TasksSnapshot())
	})

	t.Run("works when the task was never in the old bucket", func(t *testing.T) {
		c, _, _ := newTestController(t, nil)

		c.applyTaskUpdate(models.Task{
			ID: "t1", Description: "movable", Date: "2024-01-05", OldDate: "2024-01-01", UpdatedAt: tsAt(11),
		}, protocol.OpMove)

		live := c.TasksSnapshot()
		require.Len(t, live["2024-01-05"], 1)
	})
}

func TestApplyTaskUpdateMissingFields(t *testing.T) {
	c, _, _ := newTestController(t, nil)

	c.applyTaskUpdate(models.Task{Description: "no id", Date: "2024-01-01"}, protocol.OpAdd)
	c.applyTaskUpdate(models.Task{ID: "t1", Description: "no date"}, protocol.OpAdd)

	assert.Empty(t, c.TasksSnapshot())
	assert.Equal(t, 2, c.Stats().Errors)
	assert.Contains(t, c.Stats().ErrorDates, "2024-01-01")
}

func TestApplyTaskUpdateBadTimestamp(t *testing.T) {
	c, _, _ := newTestController(t, models.TaskMap{
		"2024-01-01": {
			{ID: "t1", Description: "broken clock", Status: models.StatusActive, UpdatedAt: "garbage"},
			{ID: "t2", Description: "fine", Status: models.StatusActive, UpdatedAt: tsAt(10)},
		},
	})

	c.applyTaskUpdate(models.Task{ID: "t1", Description: "remote", Date: "2024-01-01", UpdatedAt: "also-garbage"}, protocol.OpUpdate)
	c.applyTaskUpdate(models.Task{ID: "t2", Description: "remote wins", Date: "2024-01-01", UpdatedAt: tsAt(11)}, protocol.OpUpdate)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Errors)
	assert.Contains(t, stats.ErrorDates, "2024-01-01")

	// the failure never blocked the rest of the batch
	live := c.TasksSnapshot()
	for _, task := range live["2024-01-01"] {
		if task.ID == "t2" {
			assert.Equal(t, "remote wins", task.Description)
		}
	}
}

func TestMergeSnapshot(t *testing.T) {
	t.Run("adds unknown dates and tasks", func(t *testing.T) {
		c, _, _ := newTestController(t, models.TaskMap{
			"2024-01-01": {{ID: "t1", Description: "mine", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
		})

		c.mergeSnapshot(models.TaskMap{
			"2024-01-01": {{ID: "t2", Description: "theirs", UpdatedAt: tsAt(10)}},
			"2024-01-02": {{ID: "t3", Description: "new day", UpdatedAt: tsAt(10)}},
		})

		live := c.TasksSnapshot()
		assert.Len(t, live["2024-01-01"], 2)
		require.Len(t, live["2024-01-02"], 1)
		assert.Equal(t, "t3", live["2024-01-02"][0].ID)
	})

	t.Run("never duplicates known ids", func(t *testing.T) {
		c, _, _ := newTestController(t, models.TaskMap{
			"2024-01-01": {{ID: "t1", Description: "mine", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
		})

		c.mergeSnapshot(models.TaskMap{
			"2024-01-01": {{ID: "t1", Description: "older copy", UpdatedAt: tsAt(9)}},
		})

		live := c.TasksSnapshot()
		require.Len(t, live["2024-01-01"], 1)
		assert.Equal(t, "mine", live["2024-01-01"][0].Description)
	})

	t.Run("newer remote overwrites fields except the id", func(t *testing.T) {
		c, _, _ := newTestController(t, models.TaskMap{
			"2024-01-01": {{ID: "t1", Description: "mine", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
		})

		c.mergeSnapshot(models.TaskMap{
			"2024-01-01": {{ID: "t1", Description: "newer copy", UpdatedAt: tsAt(12)}},
		})

		live := c.TasksSnapshot()
		require.Len(t, live["2024-01-01"], 1)
		assert.Equal(t, "t1", live["2024-01-01"][0].ID)
		assert.Equal(t, "newer copy", live["2024-01-01"][0].Description)
	})
}

func TestFullMergeTombstonePropagation(t *testing.T) {
	c, store, _ := newTestController(t, models.TaskMap{
		"2024-01-01": {{ID: "t1", Description: "soon gone", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	})

	c.fullMerge(models.TaskMap{
		"2024-01-01": {{ID: "t1", Description: "soon gone", Status: models.StatusDeleted, UpdatedAt: tsAt(9)}},
	})

	// deletions win regardless of timestamp once explicitly communicated,
	// and the record stays as a tombstone, never a hard removal
	assert.NotContains(t, c.TasksSnapshot(), "2024-01-01")
	stored := store.snapshot()
	require.Len(t, stored["2024-01-01"], 1)
	assert.Equal(t, models.StatusDeleted, stored["2024-01-01"][0].Status)
}

func TestFullMergeDoesNotResurrectTombstones(t *testing.T) {
	c, store, _ := newTestController(t, nil)

	c.fullMerge(models.TaskMap{
		"2024-01-01": {{ID: "t2", Description: "already dead", Status: models.StatusDeleted, UpdatedAt: tsAt(10)}},
	})

	assert.Empty(t, c.TasksSnapshot())
	assert.Empty(t, store.snapshot().Live())
}

func TestFullMergeLeavesLocalOnlyTasksAlone(t *testing.T) {
	c, _, _ := newTestController(t, models.TaskMap{
		"2024-01-01": {{ID: "local-only", Description: "keep me", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	})

	c.fullMerge(models.TaskMap{
		"2024-01-02": {{ID: "t9", Description: "unrelated", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	})

	live := c.TasksSnapshot()
	require.Len(t, live["2024-01-01"], 1)
	assert.Equal(t, "keep me", live["2024-01-01"][0].Description)
}

func TestFullMergeLWW(t *testing.T) {
	c, _, _ := newTestController(t, models.TaskMap{
		"2024-01-01": {{ID: "t1", Description: "local", Color: "#111111", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	})

	c.fullMerge(models.TaskMap{
		"2024-01-01": {{ID: "t1", Description: "remote", Color: "#222222", Status: models.StatusActive, UpdatedAt: tsAt(12)}},
	})

	live := c.TasksSnapshot()
	require.Len(t, live["2024-01-01"], 1)
	got := live["2024-01-01"][0]
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "remote", got.Description)
	assert.Equal(t, "#222222", got.Color)
	assert.Equal(t, tsAt(12), got.UpdatedAt)
}

func TestConvergence(t *testing.T) {
	// two instances with disjoint task sets converge to the union after a
	// full-sync round trip
	a, aStore, _ := newTestController(t, models.TaskMap{
		"2024-01-01": {{ID: "a1", Description: "from a", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	})
	b, bStore, _ := newTestController(t, models.TaskMap{
		"2024-01-02": {{ID: "b1", Description: "from b", Status: models.StatusActive, UpdatedAt: tsAt(10)}},
	})

	stream := func(from *memStore, to *Controller) {
		for date, list := range from.snapshot() {
			for _, task := range list {
				task.Date = date
				to.fullMerge(models.TaskMap{date: {task}})
			}
		}
	}

	stream(aStore, b)
	stream(bStore, a)

	for _, instance := range []*Controller{a, b} {
		live := instance.TasksSnapshot()
		require.Len(t, live["2024-01-01"], 1)
		assert.Equal(t, "a1", live["2024-01-01"][0].ID)
		assert.Equal(t, "from a", live["2024-01-01"][0].Description)
		require.Len(t, live["2024-01-02"], 1)
		assert.Equal(t, "b1", live["2024-01-02"][0].ID)
		assert.Equal(t, "from b", live["2024-01-02"][0].Description)
	}
}
