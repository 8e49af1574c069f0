package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/services"
)

// Runs older than this with no terminal result are flagged stale in
// listings; the worker most likely died mid-run.
const staleRunThreshold = 6 * time.Hour

type HistoryHandler struct {
	DB *gorm.DB
}

func NewHistoryHandler(gormDB *gorm.DB) *HistoryHandler {
	return &HistoryHandler{DB: gormDB}
}

type HistoryEntry struct {
	consoledb.ScheduledTaskHistory
	Stale bool `json:"stale"`
}

func (h *HistoryHandler) GetHistory(ctx context.Context, c *app.RequestContext) {
	var rows []consoledb.ScheduledTaskHistory
	query := h.DB.Model(&consoledb.ScheduledTaskHistory{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if taskIDStr := c.Query("task_id"); taskIDStr != "" {
		if taskID, err := strconv.ParseUint(taskIDStr, 10, 32); err == nil {
			query = query.Where("scheduled_task_id = ?", uint(taskID))
		}
	}
	if result := query.Order("executed_at DESC").Find(&rows); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch history: " + result.Error.Error()})
		return
	}

	entries := make([]HistoryEntry, 0, len(rows))
	cutoff := time.Now().Add(-staleRunThreshold)
	for _, row := range rows {
		entries = append(entries, HistoryEntry{
			ScheduledTaskHistory: row,
			Stale:                row.Status == consoledb.HistoryStatusRunning && row.ExecutedAt.Before(cutoff),
		})
	}
	c.JSON(http.StatusOK, entries)
}

func (h *HistoryHandler) GetHistoryByID(ctx context.Context, c *app.RequestContext) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	var row consoledb.ScheduledTaskHistory
	if result := h.DB.First(&row, uint(id)); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, utils.H{"error": "History record not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch history record: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, HistoryEntry{
		ScheduledTaskHistory: row,
		Stale:                row.Status == consoledb.HistoryStatusRunning && row.ExecutedAt.Before(time.Now().Add(-staleRunThreshold)),
	})
}

type SnapshotHandler struct {
	DB        *gorm.DB
	Snapshots *services.SnapshotCoordinator
}

func NewSnapshotHandler(gormDB *gorm.DB, snapshots *services.SnapshotCoordinator) *SnapshotHandler {
	return &SnapshotHandler{DB: gormDB, Snapshots: snapshots}
}

func (h *SnapshotHandler) GetSnapshots(ctx context.Context, c *app.RequestContext) {
	var rows []consoledb.SnapshotHistory
	query := h.DB.Model(&consoledb.SnapshotHistory{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if hostIDStr := c.Query("host_id"); hostIDStr != "" {
		if hostID, err := strconv.ParseUint(hostIDStr, 10, 32); err == nil {
			query = query.Where("host_id = ?", uint(hostID))
		}
	}
	if result := query.Order("created_at DESC").Find(&rows); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch snapshots: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// GetRemoteSnapshots lists the snapshots vCenter currently holds for a host,
// with their ages. Useful when the ledger and the live state have drifted.
func (h *SnapshotHandler) GetRemoteSnapshots(ctx context.Context, c *app.RequestContext) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return
	}
	ages, err := h.Snapshots.RemoteSnapshotAges(ctx, uint(id))
	if err != nil {
		c.JSON(http.StatusBadGateway, utils.H{"error": "Failed to list remote snapshots: " + err.Error()})
		return
	}
	type remoteSnapshot struct {
		Name     string  `json:"name"`
		AgeHours float64 `json:"age_hours"`
	}
	out := make([]remoteSnapshot, 0, len(ages))
	for _, a := range ages {
		out = append(out, remoteSnapshot{Name: a.Name, AgeHours: a.AgeHours})
	}
	c.JSON(http.StatusOK, out)
}
