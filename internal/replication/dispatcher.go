package replication

import (
	"log/slog"
	"net"

	"github.com/calan/calansync/internal/models"
	"github.com/calan/calansync/internal/protocol"
)

// HandleDatagram decodes one inbound datagram and routes it by message kind.
// The protocol is stateless: each message is handled independently.
// Malformed payloads are dropped and logged; they never crash the dispatcher
// and never partially apply.
func (c *Controller) HandleDatagram(payload []byte, from *net.UDPAddr) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		slog.Warn("Dropping malformed message", "from", from, "error", err)
		return
	}

	slog.Debug("Message received", "type", msg.Type, "sender", msg.Sender, "from", from)

	switch msg.Type {
	case protocol.TypeSyncRequest:
		c.handleSyncRequest(from)

	case protocol.TypeSyncResponse:
		c.mergeSnapshot(msg.Tasks)

	case protocol.TypeTaskUpdate:
		c.handleTaskUpdate(msg)

	case protocol.TypeTestMessage:
		slog.Info("Test message", "sender", msg.Sender, "text", msg.Text)

	case protocol.TypeFullSyncRequest:
		slog.Info("Full sync request received", "sender", msg.Sender)
		c.RespondToFullSyncRequest()
	}
}

// handleSyncRequest replies with our entire live task map directly to the
// requesting address.
func (c *Controller) handleSyncRequest(from *net.UDPAddr) {
	slog.Info("Sync request received", "from", from)

	response := protocol.NewMessage(protocol.TypeSyncResponse, c.displayName)
	response.Tasks = protocol.PruneSnapshot(c.TasksSnapshot())

	payload, err := protocol.Encode(response)
	if err != nil {
		slog.Error("Failed to encode sync response", "error", err)
		return
	}

	if err := c.sender.Send(payload, from.IP.String(), from.Port); err != nil {
		slog.Warn("Failed to send sync response", "to", from, "error", err)
	}
}

// handleTaskUpdate applies a single-task message: full_sync operations go
// through the full merge path, everything else through single-task
// reconciliation.
func (c *Controller) handleTaskUpdate(msg *protocol.SyncMessage) {
	task := *msg.Task

	if msg.Operation == protocol.OpFullSync {
		if msg.Sender != c.displayName {
			c.countReceived()
		}
		if task.Date == "" {
			slog.Warn("Full sync task without date", "id", task.ID)
			c.countError("")
			return
		}
		c.fullMerge(models.TaskMap{task.Date: {task}})
		return
	}

	c.applyTaskUpdate(task, msg.Operation)
}
