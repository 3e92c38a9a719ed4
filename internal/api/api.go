package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/calan/calansync/internal/models"
	"github.com/calan/calansync/internal/peers"
	"github.com/calan/calansync/internal/replication"
	"github.com/danielgtaylor/huma/v2"
)

// Server holds the API server dependencies
type Server struct {
	controller *replication.Controller
	directory  *peers.Directory
	nodeName   string
}

// NewServer creates a new API server
func NewServer(controller *replication.Controller, directory *peers.Directory, nodeName string) *Server {
	return &Server{
		controller: controller,
		directory:  directory,
		nodeName:   nodeName,
	}
}

// RegisterRoutes registers all API routes with the Huma API
func (s *Server) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health-ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "Readiness check",
		Tags:        []string{"health"},
	}, s.healthReady)

	huma.Register(api, huma.Operation{
		OperationID: "health-info",
		Method:      http.MethodGet,
		Path:        "/health/info",
		Summary:     "Instance information",
		Description: "Get information about this instance, its peers and task set",
		Tags:        []string{"health"},
	}, s.healthInfo)

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List all tasks",
		Description: "Get all live tasks grouped by date",
		Tags:        []string{"tasks"},
	}, s.listTasks)

	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{date}",
		Summary:     "Create a task",
		Description: "Create a task under a date and broadcast it to all peers",
		Tags:        []string{"tasks"},
	}, s.createTask)

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{date}/{id}",
		Summary:     "Update a task",
		Tags:        []string{"tasks"},
	}, s.updateTask)

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{date}/{id}",
		Summary:     "Delete a task",
		Description: "Tombstone a task and broadcast the deletion to all peers",
		Tags:        []string{"tasks"},
	}, s.deleteTask)

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{date}/{id}/move",
		Summary:     "Move a task",
		Description: "Move a task to another date and broadcast the move to all peers",
		Tags:        []string{"tasks"},
	}, s.moveTask)

	huma.Register(api, huma.Operation{
		OperationID: "list-peers",
		Method:      http.MethodGet,
		Path:        "/peers",
		Summary:     "List known peers",
		Tags:        []string{"sync"},
	}, s.listPeers)

	huma.Register(api, huma.Operation{
		OperationID: "manual-sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Trigger a manual sync",
		Description: "Request peer task maps and push our snapshot to all peers",
		Tags:        []string{"sync"},
	}, s.manualSync)

	huma.Register(api, huma.Operation{
		OperationID: "full-sync",
		Method:      http.MethodPost,
		Path:        "/sync/full",
		Summary:     "Trigger a full sync",
		Description: "Stream every task, tombstones included, to all peers",
		Tags:        []string{"sync"},
	}, s.fullSync)

	huma.Register(api, huma.Operation{
		OperationID: "sync-stats",
		Method:      http.MethodGet,
		Path:        "/sync/stats",
		Summary:     "Counters for the current sync run",
		Tags:        []string{"sync"},
	}, s.syncStats)

	huma.Register(api, huma.Operation{
		OperationID: "sync-test",
		Method:      http.MethodPost,
		Path:        "/sync/test",
		Summary:     "Send a connectivity test message to all peers",
		Tags:        []string{"sync"},
	}, s.syncTest)
}

// Request/Response types

type ListTasksResponse struct {
	Body models.TaskMap
}

type CreateTaskRequest struct {
	Date string `path:"date" doc:"Date bucket (YYYY-MM-DD)"`
	Body struct {
		Description string `json:"description" minLength:"1" maxLength:"500" doc:"The task description"`
		Time        string `json:"time,omitempty" doc:"Optional HH:MM time of day"`
		Color       string `json:"color,omitempty" doc:"Display color"`
		Alarm       bool   `json:"alarm,omitempty" doc:"Whether an alarm is set"`
		AlarmTime   string `json:"alarm_time,omitempty" doc:"Absolute alarm timestamp"`
	}
}

type TaskResponse struct {
	Body models.Task
}

type UpdateTaskRequest struct {
	Date string `path:"date" doc:"Date bucket (YYYY-MM-DD)"`
	ID   string `path:"id" doc:"Task ID"`
	Body models.TaskPatch
}

type DeleteTaskRequest struct {
	Date string `path:"date" doc:"Date bucket (YYYY-MM-DD)"`
	ID   string `path:"id" doc:"Task ID"`
}

type MoveTaskRequest struct {
	Date string `path:"date" doc:"Current date bucket"`
	ID   string `path:"id" doc:"Task ID"`
	Body struct {
		ToDate string `json:"to_date" minLength:"1" doc:"Destination date bucket (YYYY-MM-DD)"`
	}
}

type ListPeersResponse struct {
	Body []models.PeerInfo
}

type SyncStatsResponse struct {
	Body models.SyncStats
}

type SentResponse struct {
	Body struct {
		Peers int `json:"peers" doc:"Number of peers the message was delivered to"`
	}
}

// Handler implementations

func (s *Server) listTasks(ctx context.Context, input *struct{}) (*ListTasksResponse, error) {
	tasks := s.controller.TasksSnapshot()
	if tasks == nil {
		tasks = models.TaskMap{}
	}
	return &ListTasksResponse{Body: tasks}, nil
}

func (s *Server) createTask(ctx context.Context, input *CreateTaskRequest) (*TaskResponse, error) {
	task, err := s.controller.CreateTask(input.Date, models.Task{
		Description: input.Body.Description,
		Time:        input.Body.Time,
		Color:       input.Body.Color,
		Alarm:       input.Body.Alarm,
		AlarmTime:   input.Body.AlarmTime,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to create task", err)
	}
	return &TaskResponse{Body: task}, nil
}

func (s *Server) updateTask(ctx context.Context, input *UpdateTaskRequest) (*TaskResponse, error) {
	task, err := s.controller.UpdateTask(input.Date, input.ID, input.Body)
	if errors.Is(err, replication.ErrTaskNotFound) {
		return nil, huma.Error404NotFound("Task not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to update task", err)
	}
	return &TaskResponse{Body: task}, nil
}

func (s *Server) deleteTask(ctx context.Context, input *DeleteTaskRequest) (*struct{}, error) {
	err := s.controller.DeleteTask(input.Date, input.ID)
	if errors.Is(err, replication.ErrTaskNotFound) {
		return nil, huma.Error404NotFound("Task not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to delete task", err)
	}
	return nil, nil
}

func (s *Server) moveTask(ctx context.Context, input *MoveTaskRequest) (*TaskResponse, error) {
	task, err := s.controller.MoveTask(input.Date, input.Body.ToDate, input.ID)
	if errors.Is(err, replication.ErrTaskNotFound) {
		return nil, huma.Error404NotFound("Task not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to move task", err)
	}
	return &TaskResponse{Body: task}, nil
}

func (s *Server) listPeers(ctx context.Context, input *struct{}) (*ListPeersResponse, error) {
	known := s.directory.Snapshot()
	body := make([]models.PeerInfo, 0, len(known))
	for _, p := range known {
		body = append(body, models.PeerInfo{
			InstanceKey: p.InstanceKey,
			Addr:        p.Addr,
			Port:        p.Port,
			DisplayName: p.DisplayName,
			LastSeen:    p.LastSeen.Format(time.RFC3339),
		})
	}
	return &ListPeersResponse{Body: body}, nil
}

func (s *Server) manualSync(ctx context.Context, input *struct{}) (*SentResponse, error) {
	s.controller.RequestSync()
	resp := &SentResponse{}
	resp.Body.Peers = s.directory.Len()
	return resp, nil
}

func (s *Server) fullSync(ctx context.Context, input *struct{}) (*SyncStatsResponse, error) {
	stats := s.controller.FullSync()
	return &SyncStatsResponse{Body: stats}, nil
}

func (s *Server) syncStats(ctx context.Context, input *struct{}) (*SyncStatsResponse, error) {
	return &SyncStatsResponse{Body: s.controller.Stats()}, nil
}

func (s *Server) syncTest(ctx context.Context, input *struct{}) (*SentResponse, error) {
	resp := &SentResponse{}
	resp.Body.Peers = s.controller.SendTestMessage()
	return resp, nil
}

type HealthReadyResponse struct {
	Body struct {
		Ready   bool   `json:"ready" doc:"Whether the instance is serving"`
		Message string `json:"message,omitempty" doc:"Optional status message"`
	}
}

func (s *Server) healthReady(ctx context.Context, input *struct{}) (*HealthReadyResponse, error) {
	resp := &HealthReadyResponse{}
	resp.Body.Ready = true
	resp.Body.Message = "Instance is ready"
	return resp, nil
}

type HealthInfoResponse struct {
	Body struct {
		NodeName   string `json:"node_name" doc:"Display name of this instance"`
		PeerCount  int    `json:"peer_count" doc:"Number of known peers"`
		TaskCount  int    `json:"task_count" doc:"Number of live tasks"`
		BadgeCount int    `json:"badge_count" doc:"Number of due, unacknowledged alarms"`
	}
}

func (s *Server) healthInfo(ctx context.Context, input *struct{}) (*HealthInfoResponse, error) {
	resp := &HealthInfoResponse{}
	resp.Body.NodeName = s.nodeName
	resp.Body.PeerCount = s.directory.Len()
	resp.Body.TaskCount = s.controller.TaskCount()
	resp.Body.BadgeCount = s.controller.BadgeCount()
	return resp, nil
}
