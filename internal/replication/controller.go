package replication

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calan/calansync/internal/models"
	"github.com/calan/calansync/internal/peers"
	"github.com/calan/calansync/internal/protocol"
	"github.com/calan/calansync/internal/storage"
	"github.com/google/uuid"
)

// Sender is the outbound half of the transport.
type Sender interface {
	Send(payload []byte, addr string, port int) error
}

// ChangeNotice tells the presentation layer that the task set changed.
// Date is empty when the whole set may have changed (full sync).
type ChangeNotice struct {
	Date       string
	BadgeCount int
}

// ErrTaskNotFound is returned by the local edit operations.
var ErrTaskNotFound = errors.New("task not found")

// Controller orchestrates replication: it owns the canonical in-memory task
// set behind a mutex, broadcasts local edits, reconciles inbound messages,
// and runs the periodic peer sweep. Every mutation path, local or remote,
// funnels through its lock before the store is asked to persist.
type Controller struct {
	mu    sync.Mutex
	tasks models.TaskMap // canonical set, tombstones included

	store       storage.TaskStore
	directory   *peers.Directory
	sender      Sender
	displayName string

	running  atomic.Bool
	shutdown chan struct{}

	statsMu sync.Mutex
	stats   models.SyncStats

	notifyCh chan ChangeNotice

	sweepEvery time.Duration
	staleAfter time.Duration
}

// New creates a controller. sweepEvery and staleAfter govern the stale-peer
// sweep; zero values fall back to the two minute reference behavior.
func New(store storage.TaskStore, directory *peers.Directory, sender Sender, displayName string, sweepEvery, staleAfter time.Duration) *Controller {
	if sweepEvery == 0 {
		sweepEvery = 2 * time.Minute
	}
	if staleAfter == 0 {
		staleAfter = 2 * time.Minute
	}
	return &Controller{
		store:       store,
		directory:   directory,
		sender:      sender,
		displayName: displayName,
		shutdown:    make(chan struct{}),
		notifyCh:    make(chan ChangeNotice, 64),
		sweepEvery:  sweepEvery,
		staleAfter:  staleAfter,
	}
}

// Start loads the task set from the store and begins the peer sweep.
func (c *Controller) Start() error {
	tasks, err := c.store.LoadAllWithTombstones()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	c.mu.Lock()
	c.tasks = tasks
	c.mu.Unlock()

	c.running.Store(true)
	go c.sweepLoop()

	slog.Info("Replication controller started", "tasks", tasks.Count())
	return nil
}

// Stop halts the sweep and closes the transport if it is closable, which
// unblocks the listener loop. Idempotent.
func (c *Controller) Stop() {
	if !c.running.Swap(false) {
		return
	}
	close(c.shutdown)
	if closer, ok := c.sender.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("Error closing transport", "error", err)
		}
	}
	slog.Info("Replication controller stopped")
}

// Notifications returns the channel carrying UI-refresh notices. Mutations
// applied on the listener goroutine are handed off here instead of calling
// into the presentation layer directly.
func (c *Controller) Notifications() <-chan ChangeNotice {
	return c.notifyCh
}

// Stats returns a copy of the counters for the current sync run.
func (c *Controller) Stats() models.SyncStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	stats := c.stats
	stats.ErrorDates = append([]string(nil), c.stats.ErrorDates...)
	return stats
}

func (c *Controller) resetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = models.SyncStats{}
}

func (c *Controller) countError(date string) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Errors++
	if date != "" {
		c.stats.AddErrorDate(date)
	}
}

func (c *Controller) countReceived() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Received++
}

func (c *Controller) setSent(n int) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Sent = n
}

// sweepLoop evicts stale peers on a fixed interval until Stop.
func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.running.Load() {
				return
			}
			c.directory.SweepStale(c.staleAfter)
		case <-c.shutdown:
			return
		}
	}
}

// TasksSnapshot returns a copy of the live task set.
func (c *Controller) TasksSnapshot() models.TaskMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks.Live()
}

// TaskCount returns the number of live tasks.
func (c *Controller) TaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks.Live().Count()
}

// BadgeCount returns the number of due, unacknowledged alarms.
func (c *Controller) BadgeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.PendingAlarmCount(c.tasks, time.Now())
}

// CreateTask adds a locally authored task under the given date, persists it
// and broadcasts an add to all known peers.
func (c *Controller) CreateTask(date string, task models.Task) (models.Task, error) {
	now := time.Now().Format(time.RFC3339Nano)
	task.ID = uuid.NewString()
	task.Status = models.StatusActive
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Color == "" {
		task.Color = models.DefaultColor
	}
	if task.ProfileName == "" {
		task.ProfileName = c.displayName
	}
	task.Date = ""
	task.OldDate = ""

	c.mu.Lock()
	if c.tasks == nil {
		c.tasks = make(models.TaskMap)
	}
	c.tasks[date] = append(c.tasks[date], task)
	err := c.persistLocked(date)
	c.mu.Unlock()
	if err != nil {
		return models.Task{}, err
	}

	wire := task
	wire.Date = date
	c.BroadcastUpdate(wire, protocol.OpAdd)
	return task, nil
}

// UpdateTask applies a patch to an existing task, bumps its UpdatedAt and
// broadcasts the edit.
func (c *Controller) UpdateTask(date, id string, patch models.TaskPatch) (models.Task, error) {
	c.mu.Lock()
	idx := findTask(c.tasks[date], id)
	if idx < 0 || c.tasks[date][idx].Deleted() {
		c.mu.Unlock()
		return models.Task{}, ErrTaskNotFound
	}

	task := &c.tasks[date][idx]
	patch.Apply(task)
	task.UpdatedAt = time.Now().Format(time.RFC3339Nano)
	updated := *task

	err := c.persistLocked(date)
	c.mu.Unlock()
	if err != nil {
		return models.Task{}, err
	}

	wire := updated
	wire.Date = date
	c.BroadcastUpdate(wire, protocol.OpUpdate)
	return updated, nil
}

// DeleteTask tombstones a task so the deletion itself replicates, then
// broadcasts a delete.
func (c *Controller) DeleteTask(date, id string) error {
	c.mu.Lock()
	idx := findTask(c.tasks[date], id)
	if idx < 0 || c.tasks[date][idx].Deleted() {
		c.mu.Unlock()
		return ErrTaskNotFound
	}

	task := &c.tasks[date][idx]
	task.Status = models.StatusDeleted
	task.UpdatedAt = time.Now().Format(time.RFC3339Nano)
	deleted := *task

	err := c.persistLocked(date)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	wire := deleted
	wire.Date = date
	c.BroadcastUpdate(wire, protocol.OpDelete)
	return nil
}

// MoveTask relocates a task to a new date bucket and broadcasts a move
// carrying both the new and the old date.
func (c *Controller) MoveTask(oldDate, newDate, id string) (models.Task, error) {
	c.mu.Lock()
	idx := findTask(c.tasks[oldDate], id)
	if idx < 0 || c.tasks[oldDate][idx].Deleted() {
		c.mu.Unlock()
		return models.Task{}, ErrTaskNotFound
	}

	task := c.tasks[oldDate][idx]
	task.UpdatedAt = time.Now().Format(time.RFC3339Nano)

	// Insert under the new date before removing from the old one so the
	// task can never end up in neither bucket.
	c.tasks[newDate] = append(c.tasks[newDate], task)
	c.tasks[oldDate] = append(c.tasks[oldDate][:idx], c.tasks[oldDate][idx+1:]...)
	if len(c.tasks[oldDate]) == 0 {
		delete(c.tasks, oldDate)
	}

	err := c.persistLocked(newDate)
	c.mu.Unlock()
	if err != nil {
		return models.Task{}, err
	}

	wire := task
	wire.Date = newDate
	wire.OldDate = oldDate
	c.BroadcastUpdate(wire, protocol.OpMove)
	return task, nil
}

// BroadcastUpdate sends one task operation to every known peer and returns
// the number of peers it reached. No known peers is a no-op, not an error;
// a failed send to one peer never aborts delivery to the rest.
func (c *Controller) BroadcastUpdate(task models.Task, operation string) int {
	msg := protocol.NewMessage(protocol.TypeTaskUpdate, c.displayName)
	msg.Task = &task
	msg.Operation = operation

	return c.send(msg)
}

// send serializes a message and delivers it to every directory entry. The
// peer snapshot is taken without the task lock held.
func (c *Controller) send(msg *protocol.SyncMessage) int {
	payload, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode message", "type", msg.Type, "error", err)
		c.countError("")
		return 0
	}

	known := c.directory.Snapshot()
	if len(known) == 0 {
		slog.Debug("No peers discovered yet", "type", msg.Type)
		return 0
	}

	sent := 0
	for _, peer := range known {
		if err := c.sender.Send(payload, peer.Addr, peer.Port); err != nil {
			slog.Warn("Failed to send to peer", "peer", peer.DisplayName, "addr", peer.Addr, "error", err)
			c.countError("")
			continue
		}
		sent++
	}

	slog.Debug("Sent message to peers", "type", msg.Type, "peers", sent)
	return sent
}

// RequestSync asks all peers for their task map and pushes our own snapshot
// unsolicited, so peers converge even if they never reply.
func (c *Controller) RequestSync() {
	slog.Info("Manual sync triggered")

	c.send(protocol.NewMessage(protocol.TypeSyncRequest, c.displayName))

	response := protocol.NewMessage(protocol.TypeSyncResponse, c.displayName)
	response.Tasks = protocol.PruneSnapshot(c.TasksSnapshot())
	c.send(response)
}

// FullSync resets the sync counters and streams every task, tombstones
// included, to all known peers as individual full_sync updates.
func (c *Controller) FullSync() models.SyncStats {
	slog.Info("Full sync triggered")
	c.resetStats()

	count := c.streamAllTasks()
	c.setSent(count)

	slog.Info("Full sync: sent individual tasks", "tasks", count, "peers", c.directory.Len())
	return c.Stats()
}

// RespondToFullSyncRequest streams our complete task set in reply to a
// peer's full_sync_request.
func (c *Controller) RespondToFullSyncRequest() {
	count := c.streamAllTasks()
	c.setSent(count)
	slog.Info("Responded to full sync request", "tasks", count, "peers", c.directory.Len())
}

func (c *Controller) streamAllTasks() int {
	all, err := c.store.LoadAllWithTombstones()
	if err != nil {
		slog.Error("Failed to load tasks for full sync", "error", err)
		c.countError("")
		return 0
	}

	count := 0
	for date, list := range all {
		for _, task := range list {
			task.Date = date
			c.BroadcastUpdate(task, protocol.OpFullSync)
			count++
		}
	}
	return count
}

// SendTestMessage sends a connectivity test to all peers and logs the
// current directory contents.
func (c *Controller) SendTestMessage() int {
	for _, peer := range c.directory.Snapshot() {
		slog.Info("Known peer", "name", peer.DisplayName, "addr", peer.Addr, "port", peer.Port)
	}

	msg := protocol.NewMessage(protocol.TypeTestMessage, c.displayName)
	msg.Text = "connectivity test"
	return c.send(msg)
}

// persistLocked saves the canonical map and queues a change notice. Caller
// holds c.mu.
func (c *Controller) persistLocked(date string) error {
	if err := c.store.SaveAll(c.tasks); err != nil {
		c.countError(date)
		return fmt.Errorf("failed to persist tasks: %w", err)
	}
	c.queueNotice(date, models.PendingAlarmCount(c.tasks, time.Now()))
	return nil
}

// queueNotice hands a UI-refresh notice to the foreground consumer without
// ever blocking the listener goroutine.
func (c *Controller) queueNotice(date string, badge int) {
	select {
	case c.notifyCh <- ChangeNotice{Date: date, BadgeCount: badge}:
	default:
		slog.Debug("Dropping change notice, consumer is behind", "date", date)
	}
}

func findTask(list []models.Task, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
