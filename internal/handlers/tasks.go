package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentworks/credgate/internal/apperr"
	"github.com/agentworks/credgate/internal/auth"
	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/store"
)

// TaskHandler serves the workspace-scoped task CRUD that agents call once
// authenticated. It is deliberately thin; the interesting behavior lives in
// the auth gate and quota admission in front of it.
type TaskHandler struct {
	tasks store.TaskStore
}

func NewTaskHandler(tasks store.TaskStore) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// workspaceID validates the workspace segment of the request path.
func workspaceID(r *http.Request) (string, error) {
	parsed, err := auth.ExtractWorkspaceID(r.URL.Path)
	if err != nil {
		return "", err
	}
	return parsed.WorkspaceID, nil
}

type CreateTaskRequest struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Create adds a task to the workspace
// POST /api/v1/workspaces/{workspaceID}/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	wsID, err := workspaceID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req CreateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, apperr.Validation("title is required"))
		return
	}
	if req.Status == "" {
		req.Status = "pending"
	}

	agentID := ""
	if agent, ok := AgentFromContext(r.Context()); ok {
		agentID = agent.ID
	}

	now := time.Now()
	task := &models.Task{
		ID:          uuid.NewString(),
		WorkspaceID: wsID,
		AgentID:     agentID,
		Title:       req.Title,
		Status:      req.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.tasks.CreateTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// List returns the workspace's tasks
// GET /api/v1/workspaces/{workspaceID}/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	wsID, err := workspaceID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := h.tasks.ListTasks(r.Context(), wsID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Get returns one task
// GET /api/v1/workspaces/{workspaceID}/tasks/{taskID}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	wsID, err := workspaceID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.tasks.GetTask(r.Context(), wsID, chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type UpdateTaskRequest struct {
	Title  *string `json:"title"`
	Status *string `json:"status"`
}

// Update patches a task
// PATCH /api/v1/workspaces/{workspaceID}/tasks/{taskID}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	wsID, err := workspaceID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req UpdateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := h.tasks.MutateTask(r.Context(), wsID, chi.URLParam(r, "taskID"), func(task *models.Task) error {
		if req.Title != nil {
			title := strings.TrimSpace(*req.Title)
			if title == "" {
				return apperr.Validation("title cannot be empty")
			}
			task.Title = title
		}
		if req.Status != nil {
			task.Status = *req.Status
		}
		task.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Delete removes a task
// DELETE /api/v1/workspaces/{workspaceID}/tasks/{taskID}
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	wsID, err := workspaceID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.tasks.DeleteTask(r.Context(), wsID, chi.URLParam(r, "taskID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
