package replication

import (
	"log/slog"

	"github.com/calan/calansync/internal/models"
	"github.com/calan/calansync/internal/protocol"
)

// remoteNewer reports whether the remote timestamp should win over the local
// one. Rules: remote wins only when strictly newer, or when the local task
// has no timestamp at all; ties favor the local copy. The bool result is
// accompanied by ok=false when a timestamp could not be parsed.
func remoteNewer(remote, local string) (newer bool, ok bool) {
	if remote == "" {
		return false, true
	}
	if local == "" {
		return true, true
	}
	remoteTime, err := models.ParseTimestamp(remote)
	if err != nil {
		return false, false
	}
	localTime, err := models.ParseTimestamp(local)
	if err != nil {
		return false, false
	}
	return remoteTime.After(localTime), true
}

// overwriteFields copies every field from remote onto local except the ID,
// which is never reassigned.
func overwriteFields(local *models.Task, remote models.Task) {
	id := local.ID
	*local = remote
	local.ID = id
	local.Date = ""
	local.OldDate = ""
}

// applyTaskUpdate is the single-task reconciliation path for add, update,
// delete and move operations. It is idempotent: re-applying the same message
// changes nothing after the first application.
func (c *Controller) applyTaskUpdate(update models.Task, operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := update.ID
	date := update.Date
	if id == "" || date == "" {
		slog.Warn("Invalid task update, missing id or date", "operation", operation)
		c.countError(date)
		return
	}

	if c.tasks == nil {
		c.tasks = make(models.TaskMap)
	}

	switch operation {
	case protocol.OpDelete:
		idx := findTask(c.tasks[date], id)
		if idx < 0 {
			slog.Debug("Delete for absent task, nothing to do", "id", id, "date", date)
			return
		}
		c.tasks[date] = append(c.tasks[date][:idx], c.tasks[date][idx+1:]...)
		if len(c.tasks[date]) == 0 {
			delete(c.tasks, date)
		}

	case protocol.OpMove:
		oldDate := update.OldDate
		// Insert first, remove second: both steps always run, so the
		// task can never be left in neither bucket.
		c.upsertLocked(date, update, operation)
		if oldDate != "" {
			if idx := findTask(c.tasks[oldDate], id); idx >= 0 {
				c.tasks[oldDate] = append(c.tasks[oldDate][:idx], c.tasks[oldDate][idx+1:]...)
				if len(c.tasks[oldDate]) == 0 {
					delete(c.tasks, oldDate)
				}
			}
		}

	default: // add or update
		if !c.upsertLocked(date, update, operation) {
			return
		}
	}

	if err := c.persistLocked(date); err != nil {
		slog.Error("Failed to persist after task update", "error", err)
	}
}

// upsertLocked inserts or LWW-updates one remote task in the given bucket.
// It returns false when the remote copy lost the comparison and nothing
// changed. Caller holds c.mu.
func (c *Controller) upsertLocked(date string, update models.Task, operation string) bool {
	idx := findTask(c.tasks[date], update.ID)
	if idx < 0 {
		cleaned := models.CleanRemote(update)
		cleaned.Date = ""
		cleaned.OldDate = ""
		c.tasks[date] = append(c.tasks[date], cleaned)
		return true
	}

	local := &c.tasks[date][idx]
	newer, ok := remoteNewer(update.UpdatedAt, local.UpdatedAt)
	if !ok {
		slog.Warn("Failed to parse timestamp for task", "id", update.ID, "date", date)
		c.countError(date)
		return false
	}
	if !newer {
		slog.Debug("Skipping update, local task is newer or same", "id", update.ID, "operation", operation)
		return false
	}

	overwriteFields(local, models.CleanRemote(update))
	return true
}

// mergeSnapshot is the lightweight merge fed by sync_response messages: it
// adds unknown dates and tasks wholesale and LWW-updates tasks it already
// has. It never deletes anything.
func (c *Controller) mergeSnapshot(remote models.TaskMap) {
	if len(remote) == 0 {
		return
	}

	c.mu.Lock()
	if c.tasks == nil {
		c.tasks = make(models.TaskMap)
	}

	merged := false
	lastDate := ""
	for date, remoteList := range remote {
		local := c.tasks[date]
		for _, remoteTask := range remoteList {
			if remoteTask.ID == "" {
				continue
			}
			idx := findTask(local, remoteTask.ID)
			if idx < 0 {
				cleaned := models.CleanRemote(remoteTask)
				cleaned.Date = ""
				local = append(local, cleaned)
				merged = true
				continue
			}

			newer, ok := remoteNewer(remoteTask.UpdatedAt, local[idx].UpdatedAt)
			if !ok {
				slog.Warn("Failed to parse timestamp for task", "id", remoteTask.ID, "date", date)
				c.countError(date)
				continue
			}
			if newer {
				overwriteFields(&local[idx], remoteTask)
				merged = true
			}
		}
		c.tasks[date] = local
		lastDate = date
	}

	var err error
	if merged {
		err = c.persistLocked(lastDate)
	}
	c.mu.Unlock()

	if err != nil {
		slog.Error("Failed to persist after snapshot merge", "error", err)
	}
}

// fullMerge reconciles a remote task set, tombstones included, against the
// store's full snapshot. Deletions always win over live copies once
// communicated; tombstones are never resurrected as new local entries;
// local-only tasks are left untouched. One persist and one notice at the
// end, plus a summary of what changed.
func (c *Controller) fullMerge(remote models.TaskMap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	local, err := c.store.LoadAllWithTombstones()
	if err != nil {
		slog.Error("Failed to load local snapshot for merge", "error", err)
		c.countError("")
		return
	}

	type located struct {
		date string
		idx  int
	}
	localByID := make(map[string]located)
	for date, list := range local {
		for i := range list {
			if id := list[i].ID; id != "" {
				localByID[id] = located{date: date, idx: i}
			}
		}
	}

	added, updated, tombstoned := 0, 0, 0
	merged := false

	for remoteDate, remoteList := range remote {
		for _, remoteTask := range remoteList {
			if remoteTask.ID == "" {
				slog.Warn("Skipping remote task without id", "date", remoteDate)
				c.countError(remoteDate)
				continue
			}

			loc, exists := localByID[remoteTask.ID]
			if !exists {
				// Do not resurrect tombstones as new local entries.
				if remoteTask.Deleted() {
					continue
				}
				cleaned := models.CleanRemote(remoteTask)
				cleaned.Date = ""
				local[remoteDate] = append(local[remoteDate], cleaned)
				localByID[remoteTask.ID] = located{date: remoteDate, idx: len(local[remoteDate]) - 1}
				added++
				merged = true
				continue
			}

			localTask := &local[loc.date][loc.idx]
			if remoteTask.Deleted() && !localTask.Deleted() {
				localTask.Status = models.StatusDeleted
				tombstoned++
				merged = true
				continue
			}

			newer, ok := remoteNewer(remoteTask.UpdatedAt, localTask.UpdatedAt)
			if !ok {
				slog.Warn("Failed to parse timestamp for task", "id", remoteTask.ID, "date", remoteDate)
				c.countError(remoteDate)
				continue
			}
			if newer {
				overwriteFields(localTask, remoteTask)
				updated++
				merged = true
			}
		}
	}

	if !merged {
		return
	}

	c.tasks = local
	if err := c.persistLocked(""); err != nil {
		slog.Error("Failed to persist after full merge", "error", err)
		return
	}

	slog.Info("Full sync merge completed", "added", added, "updated", updated, "tombstoned", tombstoned)
}
