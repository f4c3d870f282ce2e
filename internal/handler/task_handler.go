package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"whendoist/internal/model"
	"whendoist/internal/recurrence"
	"whendoist/internal/service"
)

type TaskHandler struct {
	tasks  *service.TaskService
	logger *zap.Logger
}

func NewTaskHandler(tasks *service.TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logger}
}

type taskRequest struct {
	Title         string           `json:"title" binding:"required"`
	Description   string           `json:"description"`
	Impact        string           `json:"impact"`
	DurationMin   int              `json:"duration_min"`
	ScheduledDate *string          `json:"scheduled_date"` // "2006-01-02"
	ScheduledTime *string          `json:"scheduled_time"` // "15:04"
	Recurrence    *recurrence.Rule `json:"recurrence"`
}

func (r *taskRequest) toModel(userID int64) (*model.Task, error) {
	t := &model.Task{
		UserID:        userID,
		Title:         r.Title,
		Description:   r.Description,
		Impact:        r.Impact,
		DurationMin:   r.DurationMin,
		ScheduledTime: r.ScheduledTime,
		Recurrence:    r.Recurrence,
	}
	if t.Impact == "" {
		t.Impact = model.ImpactMedium
	}
	if r.ScheduledDate != nil {
		d, err := time.Parse("2006-01-02", *r.ScheduledDate)
		if err != nil {
			return nil, err
		}
		d = recurrence.Date(d)
		t.ScheduledDate = &d
	}
	if r.ScheduledTime != nil {
		if _, err := time.Parse("15:04", *r.ScheduledTime); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *TaskHandler) Create(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := req.toModel(UserID(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tasks.CreateTask(c.Request.Context(), task, time.Now()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) List(c *gin.Context) {
	tasks, err := h.tasks.ListTasks(c.Request.Context(), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *TaskHandler) Get(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := h.tasks.GetTask(c.Request.Context(), taskID, UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) Update(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := req.toModel(UserID(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task.ID = taskID

	if err := h.tasks.UpdateTask(c.Request.Context(), task); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) Delete(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.tasks.DeleteTask(c.Request.Context(), taskID, UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TaskHandler) Complete(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.tasks.CompleteTask(c.Request.Context(), taskID, UserID(c), time.Now()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": model.TaskStatusCompleted})
}

func (h *TaskHandler) ListInstances(c *gin.Context) {
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	instances, err := h.tasks.ListInstances(c.Request.Context(), taskID, UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

func (h *TaskHandler) ListOverdue(c *gin.Context) {
	instances, err := h.tasks.ListOverdue(c.Request.Context(), UserID(c), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

// instanceAction wires one guarded transition to a route.
func (h *TaskHandler) instanceAction(c *gin.Context, do func() error) {
	if err := do(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *TaskHandler) CompleteInstance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.instanceAction(c, func() error {
		return h.tasks.CompleteInstance(c.Request.Context(), id, UserID(c), time.Now())
	})
}

func (h *TaskHandler) SkipInstance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.instanceAction(c, func() error {
		return h.tasks.SkipInstance(c.Request.Context(), id, UserID(c), time.Now())
	})
}

func (h *TaskHandler) ReopenInstance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.instanceAction(c, func() error {
		return h.tasks.ReopenInstance(c.Request.Context(), id, UserID(c), time.Now())
	})
}

func (h *TaskHandler) UnskipInstance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.instanceAction(c, func() error {
		return h.tasks.UnskipInstance(c.Request.Context(), id, UserID(c), time.Now())
	})
}

func (h *TaskHandler) BatchComplete(c *gin.Context) {
	var req struct {
		InstanceIDs []int64 `json:"instance_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance_ids is required"})
		return
	}

	result := h.tasks.BatchComplete(c.Request.Context(), UserID(c), req.InstanceIDs, time.Now())

	// Partial success is still a success; the body says what happened to
	// each id.
	status := http.StatusOK
	if len(result.Completed) == 0 && (len(result.Conflicted) > 0 || len(result.Failed) > 0) {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}
