package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/executors"
	"vmops-console/internal/console/services"
)

func setupTestAppWithRoutes(t *testing.T, dbFilePath string) (*route.Engine, *gorm.DB) {
	_ = os.Remove(dbFilePath)

	gormDB, err := gorm.Open(sqlite.Open(dbFilePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database '%s': %v", dbFilePath, err)
	}
	if err := gormDB.AutoMigrate(consoledb.AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test database '%s': %v", dbFilePath, err)
	}

	hlog.SetLevel(hlog.LevelFatal)

	h := server.Default(
		server.WithHostPorts("127.0.0.1:0"),
		server.WithExitWaitTime(time.Duration(0)),
	)

	coordinator := services.NewSnapshotCoordinator(gormDB, nil)
	poll := services.NewPollService(gormDB, executors.NewRegistry(), coordinator, nil)
	RegisterRoutes(h,
		NewTaskHandler(gormDB),
		NewHistoryHandler(gormDB),
		NewSnapshotHandler(gormDB, coordinator),
		NewAdminHandler(poll, coordinator),
	)
	return h.Engine, gormDB
}

func teardownTestDBFromRouter(gormDB *gorm.DB, t *testing.T, dbFilePath string) {
	if gormDB != nil {
		if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
			if err := sqlDB.Close(); err != nil {
				t.Logf("Warning: could not close test API DB: %v", err)
			}
		}
	}
	if err := os.Remove(dbFilePath); err != nil && !os.IsNotExist(err) {
		t.Logf("Warning: could not remove test API DB file '%s': %v", dbFilePath, err)
	}
}

func seedHostAndPlaybook(t *testing.T, gormDB *gorm.DB) (consoledb.Host, consoledb.Playbook) {
	t.Helper()
	host := consoledb.Host{Name: "api-host", IP: "10.9.0.11", OperatingSystem: consoledb.OSFamilyRedhat, Active: true}
	assert.NoError(t, gormDB.Create(&host).Error)
	playbook := consoledb.Playbook{Name: "api-playbook", FilePath: "/playbooks/api.yml"}
	assert.NoError(t, gormDB.Create(&playbook).Error)
	return host, playbook
}

func postJSON(router *route.Engine, url string, payload interface{}) *ut.ResponseRecorder {
	body, _ := json.Marshal(payload)
	return ut.PerformRequest(router, "POST", url,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func TestCreateTaskAPI_Valid(t *testing.T) {
	dbFilePath := "test_api_create_valid_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	host, playbook := seedHostAndPlaybook(t, gormDB)
	payload := CreateTaskRequest{
		Name:        "api created task",
		TaskType:    consoledb.TaskTypeHost,
		HostID:      &host.ID,
		PlaybookID:  &playbook.ID,
		ScheduledAt: time.Now().Add(time.Hour),
		CreatedBy:   "ops",
	}
	w := postJSON(router, "/tasks", payload)
	resp := w.Result()
	assert.Equal(t, http.StatusCreated, resp.StatusCode())

	var created consoledb.ScheduledTask
	assert.NoError(t, json.Unmarshal(resp.Body(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, consoledb.TaskStatusPending, created.Status)
	// OS family falls back to the host's operating system.
	assert.Equal(t, consoledb.OSFamilyRedhat, created.OSFamily)
	assert.Equal(t, consoledb.ExecutionTypePlaybook, created.ExecutionType)
}

func TestCreateTaskAPI_PastDueTime(t *testing.T) {
	dbFilePath := "test_api_create_past_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	host, playbook := seedHostAndPlaybook(t, gormDB)
	payload := CreateTaskRequest{
		Name:        "late task",
		TaskType:    consoledb.TaskTypeHost,
		HostID:      &host.ID,
		PlaybookID:  &playbook.ID,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
	w := postJSON(router, "/tasks", payload)
	resp := w.Result()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "scheduled_at must be in the future")
}

func TestCreateTaskAPI_MissingTarget(t *testing.T) {
	dbFilePath := "test_api_create_notarget_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	_, playbook := seedHostAndPlaybook(t, gormDB)
	payload := CreateTaskRequest{
		Name:        "targetless",
		TaskType:    consoledb.TaskTypeHost,
		PlaybookID:  &playbook.ID,
		ScheduledAt: time.Now().Add(time.Hour),
	}
	w := postJSON(router, "/tasks", payload)
	resp := w.Result()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "host_id is required")
}

func TestCreateTaskAPI_UnknownOSFamily(t *testing.T) {
	dbFilePath := "test_api_create_bados_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	host, playbook := seedHostAndPlaybook(t, gormDB)
	payload := CreateTaskRequest{
		Name:        "bad os",
		TaskType:    consoledb.TaskTypeHost,
		HostID:      &host.ID,
		PlaybookID:  &playbook.ID,
		OSFamily:    "solaris",
		ScheduledAt: time.Now().Add(time.Hour),
	}
	w := postJSON(router, "/tasks", payload)
	resp := w.Result()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "os_family must be")
}

func TestCancelTaskAPI_Pending(t *testing.T) {
	dbFilePath := "test_api_cancel_pending_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	host, playbook := seedHostAndPlaybook(t, gormDB)
	task := consoledb.ScheduledTask{
		Name: "cancel me", TaskType: consoledb.TaskTypeHost,
		ExecutionType: consoledb.ExecutionTypePlaybook, OSFamily: consoledb.OSFamilyRedhat,
		HostID: &host.ID, PlaybookID: &playbook.ID,
		ScheduledAt: time.Now().Add(time.Hour), Status: consoledb.TaskStatusPending,
	}
	assert.NoError(t, gormDB.Create(&task).Error)

	url := "/tasks/" + strconv.FormatUint(uint64(task.ID), 10) + "/cancel"
	w := ut.PerformRequest(router, "POST", url, nil)
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var reloaded consoledb.ScheduledTask
	assert.NoError(t, gormDB.First(&reloaded, task.ID).Error)
	assert.Equal(t, consoledb.TaskStatusCancelled, reloaded.Status)
}

func TestCancelTaskAPI_NotPendingConflicts(t *testing.T) {
	dbFilePath := "test_api_cancel_running_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	host, playbook := seedHostAndPlaybook(t, gormDB)
	task := consoledb.ScheduledTask{
		Name: "already running", TaskType: consoledb.TaskTypeHost,
		ExecutionType: consoledb.ExecutionTypePlaybook, OSFamily: consoledb.OSFamilyRedhat,
		HostID: &host.ID, PlaybookID: &playbook.ID,
		ScheduledAt: time.Now().Add(-time.Minute), Status: consoledb.TaskStatusRunning,
	}
	assert.NoError(t, gormDB.Create(&task).Error)

	url := "/tasks/" + strconv.FormatUint(uint64(task.ID), 10) + "/cancel"
	w := ut.PerformRequest(router, "POST", url, nil)
	resp := w.Result()
	assert.Equal(t, http.StatusConflict, resp.StatusCode())

	var reloaded consoledb.ScheduledTask
	assert.NoError(t, gormDB.First(&reloaded, task.ID).Error)
	assert.Equal(t, consoledb.TaskStatusRunning, reloaded.Status)
}

func TestGetTaskByIDAPI_NotFound(t *testing.T) {
	dbFilePath := "test_api_get_missing_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	w := ut.PerformRequest(router, "GET", "/tasks/424242", nil)
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode())
}

func TestGetHistoryAPI_StaleFlag(t *testing.T) {
	dbFilePath := "test_api_history_stale_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	stale := consoledb.ScheduledTaskHistory{
		ScheduledTaskID: 1, Status: consoledb.HistoryStatusRunning,
		ExecutedAt: time.Now().Add(-7 * time.Hour), TargetName: "dead-worker",
	}
	assert.NoError(t, gormDB.Create(&stale).Error)
	fresh := consoledb.ScheduledTaskHistory{
		ScheduledTaskID: 2, Status: consoledb.HistoryStatusRunning,
		ExecutedAt: time.Now().Add(-time.Minute), TargetName: "live-worker",
	}
	assert.NoError(t, gormDB.Create(&fresh).Error)

	w := ut.PerformRequest(router, "GET", "/history", nil)
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var entries []HistoryEntry
	assert.NoError(t, json.Unmarshal(resp.Body(), &entries))
	assert.Len(t, entries, 2)
	byTarget := map[string]bool{}
	for _, e := range entries {
		byTarget[e.TargetName] = e.Stale
	}
	assert.True(t, byTarget["dead-worker"])
	assert.False(t, byTarget["live-worker"])
}

func TestGetSnapshotsAPI_StatusFilter(t *testing.T) {
	dbFilePath := "test_api_snapshots_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	active := consoledb.SnapshotHistory{SnapshotName: "snap-a", HostID: 1, Status: consoledb.SnapshotStatusActive}
	assert.NoError(t, gormDB.Create(&active).Error)
	deleted := consoledb.SnapshotHistory{SnapshotName: "snap-b", HostID: 1, Status: consoledb.SnapshotStatusDeleted}
	assert.NoError(t, gormDB.Create(&deleted).Error)

	w := ut.PerformRequest(router, "GET", "/snapshots?status=active", nil)
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var rows []consoledb.SnapshotHistory
	assert.NoError(t, json.Unmarshal(resp.Body(), &rows))
	assert.Len(t, rows, 1)
	assert.Equal(t, "snap-a", rows[0].SnapshotName)
}

func TestGetRemoteSnapshotsAPI_HostWithoutVCenter(t *testing.T) {
	dbFilePath := "test_api_remote_snaps_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	host := consoledb.Host{Name: "bare-host", IP: "10.9.0.50", OperatingSystem: consoledb.OSFamilyRedhat, Active: true}
	assert.NoError(t, gormDB.Create(&host).Error)

	w := ut.PerformRequest(router, "GET", "/snapshots/host/"+strconv.FormatUint(uint64(host.ID), 10), nil)
	resp := w.Result()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "no vCenter server")
}

func TestPingAPI(t *testing.T) {
	dbFilePath := "test_api_ping_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	router, gormDB := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	w := ut.PerformRequest(router, "GET", "/ping", nil)
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "pong")
}
