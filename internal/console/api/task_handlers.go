package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	consoledb "vmops-console/internal/console/db"
)

type TaskHandler struct {
	DB *gorm.DB
}

func NewTaskHandler(gormDB *gorm.DB) *TaskHandler {
	return &TaskHandler{DB: gormDB}
}

type CreateTaskRequest struct {
	Name           string    `json:"name" validate:"required"`
	TaskType       string    `json:"task_type" validate:"required"`
	ExecutionType  string    `json:"execution_type"`
	OSFamily       string    `json:"os_family"`
	HostID         *uint     `json:"host_id"`
	GroupID        *uint     `json:"group_id"`
	EnvironmentID  *uint     `json:"environment_id"`
	PlaybookID     *uint     `json:"playbook_id"`
	ScriptID       *uint     `json:"script_id"`
	CreateSnapshot bool      `json:"create_snapshot"`
	ScheduledAt    time.Time `json:"scheduled_at" validate:"required"`
	CreatedBy      string    `json:"created_by"`
}

func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var req CreateTaskRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	if req.ExecutionType == "" {
		req.ExecutionType = consoledb.ExecutionTypePlaybook
	}
	if msg := h.validateCreate(&req); msg != "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": msg})
		return
	}

	task := consoledb.ScheduledTask{
		Name:           req.Name,
		TaskType:       req.TaskType,
		ExecutionType:  req.ExecutionType,
		OSFamily:       req.OSFamily,
		HostID:         req.HostID,
		GroupID:        req.GroupID,
		EnvironmentID:  req.EnvironmentID,
		PlaybookID:     req.PlaybookID,
		ScriptID:       req.ScriptID,
		CreateSnapshot: req.CreateSnapshot,
		ScheduledAt:    req.ScheduledAt,
		Status:         consoledb.TaskStatusPending,
		CreatedBy:      req.CreatedBy,
	}
	if result := h.DB.Create(&task); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create scheduled task: " + result.Error.Error()})
		return
	}
	log.Printf("Scheduled task %d (%s) created, due at %s", task.ID, task.Name, task.ScheduledAt.Format(time.RFC3339))
	c.JSON(http.StatusCreated, task)
}

// validateCreate returns an error message, or "" when the request is
// consistent: target matches the task type, payload matches the execution
// type, referenced rows exist and the due time is in the future.
func (h *TaskHandler) validateCreate(req *CreateTaskRequest) string {
	if !req.ScheduledAt.After(time.Now()) {
		return "scheduled_at must be in the future"
	}

	switch req.TaskType {
	case consoledb.TaskTypeHost:
		if req.HostID == nil {
			return "host_id is required for host tasks"
		}
		var host consoledb.Host
		if err := h.DB.First(&host, *req.HostID).Error; err != nil {
			return "Host not found"
		}
		if req.OSFamily == "" {
			req.OSFamily = host.OperatingSystem
		}
	case consoledb.TaskTypeGroup:
		if req.GroupID == nil {
			return "group_id is required for group tasks"
		}
		var group consoledb.Group
		if err := h.DB.First(&group, *req.GroupID).Error; err != nil {
			return "Group not found"
		}
	default:
		return "task_type must be host or group"
	}

	switch req.OSFamily {
	case consoledb.OSFamilyRedhat, consoledb.OSFamilyDebian, consoledb.OSFamilyWindows:
	default:
		return "os_family must be redhat, debian or windows"
	}

	switch req.ExecutionType {
	case consoledb.ExecutionTypePlaybook:
		if req.PlaybookID == nil {
			return "playbook_id is required for playbook tasks"
		}
		var playbook consoledb.Playbook
		if err := h.DB.First(&playbook, *req.PlaybookID).Error; err != nil {
			return "Playbook not found"
		}
	case consoledb.ExecutionTypeScript:
		if req.ScriptID == nil {
			return "script_id is required for script tasks"
		}
		var script consoledb.Script
		if err := h.DB.First(&script, *req.ScriptID).Error; err != nil {
			return "Script not found"
		}
	default:
		return "execution_type must be playbook or script"
	}
	return ""
}

func (h *TaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	var tasks []consoledb.ScheduledTask
	query := h.DB.Model(&consoledb.ScheduledTask{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if taskType := c.Query("task_type"); taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}
	if result := query.Order("scheduled_at").Find(&tasks); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch tasks: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	task, ok := h.findTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask aborts a task before execution. Only pending tasks can be
// cancelled; everything else answers 409 with the current status.
func (h *TaskHandler) CancelTask(ctx context.Context, c *app.RequestContext) {
	task, ok := h.findTask(c)
	if !ok {
		return
	}
	if task.Status != consoledb.TaskStatusPending {
		c.JSON(http.StatusConflict, utils.H{
			"error":  "Only pending tasks can be cancelled",
			"status": task.Status,
		})
		return
	}
	res := h.DB.Model(task).Where("status = ?", consoledb.TaskStatusPending).
		Update("status", consoledb.TaskStatusCancelled)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to cancel task: " + res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		// Lost the race against the scheduler claim.
		c.JSON(http.StatusConflict, utils.H{"error": "Task is no longer pending"})
		return
	}
	log.Printf("Scheduled task %d (%s) cancelled", task.ID, task.Name)
	task.Status = consoledb.TaskStatusCancelled
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) findTask(c *app.RequestContext) (*consoledb.ScheduledTask, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return nil, false
	}
	var task consoledb.ScheduledTask
	if result := h.DB.First(&task, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "Scheduled task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch task: " + result.Error.Error()})
		}
		return nil, false
	}
	return &task, true
}
