package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/calan/calansync/internal/models"
)

// Message kinds carried on the wire.
const (
	TypeSyncRequest     = "sync_request"
	TypeSyncResponse    = "sync_response"
	TypeTaskUpdate      = "task_update"
	TypeTestMessage     = "test_message"
	TypeFullSyncRequest = "full_sync_request"
)

// Operations carried by task_update messages.
const (
	OpAdd      = "add"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpMove     = "move"
	OpFullSync = "full_sync"
)

// SyncMessage is the wire envelope, one per datagram. Type discriminates the
// payload: Tasks for sync_response, Task+Operation for task_update, Text for
// test_message.
type SyncMessage struct {
	Type      string         `json:"type"`
	Sender    string         `json:"sender"`
	Timestamp string         `json:"timestamp"`
	Tasks     models.TaskMap `json:"tasks,omitempty"`
	Task      *models.Task   `json:"task,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Text      string         `json:"message,omitempty"`
}

// NewMessage builds an envelope stamped with the sender name and current
// time.
func NewMessage(msgType, sender string) *SyncMessage {
	return &SyncMessage{
		Type:      msgType,
		Sender:    sender,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// Encode serializes the envelope for the wire.
func Encode(msg *SyncMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses an envelope and validates its shape. Malformed payloads and
// unknown kinds are errors so the dispatcher can drop them without partially
// applying anything; missing optional fields are not.
func Decode(data []byte) (*SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message payload: %w", err)
	}

	switch msg.Type {
	case TypeSyncRequest, TypeSyncResponse, TypeTestMessage, TypeFullSyncRequest:
	case TypeTaskUpdate:
		if msg.Task == nil {
			return nil, fmt.Errorf("task_update message without task")
		}
		if msg.Operation == "" {
			msg.Operation = OpUpdate
		}
	case "":
		return nil, fmt.Errorf("message without type")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}

	return &msg, nil
}

// PruneSnapshot strips empty date buckets so snapshot messages stay small;
// per-task field pruning happens through omitempty on the Task schema.
func PruneSnapshot(tasks models.TaskMap) models.TaskMap {
	out := make(models.TaskMap)
	for date, list := range tasks {
		if len(list) > 0 {
			out[date] = list
		}
	}
	return out
}
