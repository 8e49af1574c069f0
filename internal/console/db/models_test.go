package db

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	testDBFile := "test_models.db"
	_ = os.Remove(testDBFile)

	gormDB, err := gorm.Open(sqlite.Open(testDBFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := gormDB.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return gormDB
}

func teardownTestDB(gormDB *gorm.DB, t *testing.T) {
	sqlDB, err := gormDB.DB()
	if err == nil {
		if err := sqlDB.Close(); err != nil {
			t.Logf("Warning: could not close test DB: %v", err)
		}
	}
	if err := os.Remove("test_models.db"); err != nil && !os.IsNotExist(err) {
		t.Logf("Warning: could not remove test DB file: %v", err)
	}
}

func TestScheduledTaskCRUD(t *testing.T) {
	gormDB := setupTestDB(t)
	defer teardownTestDB(gormDB, t)

	host := Host{Name: "web01", IP: "10.0.0.11", OperatingSystem: OSFamilyRedhat, Active: true}
	assert.NoError(t, gormDB.Create(&host).Error)

	playbook := Playbook{Name: "patch-kernel", FilePath: "/opt/playbooks/patch-kernel.yml"}
	assert.NoError(t, gormDB.Create(&playbook).Error)

	task := ScheduledTask{
		Name:          "Patch web01",
		TaskType:      TaskTypeHost,
		HostID:        &host.ID,
		ExecutionType: ExecutionTypePlaybook,
		PlaybookID:    &playbook.ID,
		OSFamily:      OSFamilyRedhat,
		ScheduledAt:   time.Now().Add(time.Hour),
		Status:        TaskStatusPending,
	}
	result := gormDB.Create(&task)
	assert.NoError(t, result.Error)
	assert.NotZero(t, task.ID)

	var fetched ScheduledTask
	assert.NoError(t, gormDB.Preload("Host").Preload("Playbook").First(&fetched, task.ID).Error)
	assert.Equal(t, TaskStatusPending, fetched.Status)
	assert.Equal(t, "Host: web01", fetched.TargetDisplay())

	fetched.Status = TaskStatusCancelled
	assert.NoError(t, gormDB.Save(&fetched).Error)

	var cancelled ScheduledTask
	gormDB.First(&cancelled, task.ID)
	assert.Equal(t, TaskStatusCancelled, cancelled.Status)
}

func TestScheduledTaskHistoryDenormalizedNames(t *testing.T) {
	gormDB := setupTestDB(t)
	defer teardownTestDB(gormDB, t)

	history := ScheduledTaskHistory{
		ScheduledTaskID: 42,
		ScheduledFor:    time.Now(),
		ExecutedAt:      time.Now(),
		Status:          HistoryStatusSuccess,
		TaskType:        TaskTypeHost,
		TargetName:      "db01",
		TargetIP:        "10.0.0.20",
		PlaybookName:    "rotate-logs",
		DurationSeconds: 12,
	}
	assert.NoError(t, gormDB.Create(&history).Error)

	var fetched ScheduledTaskHistory
	assert.NoError(t, gormDB.First(&fetched, history.ID).Error)
	// Names live on the history row itself, not behind foreign keys.
	assert.Equal(t, "db01", fetched.TargetName)
	assert.Equal(t, "rotate-logs", fetched.PlaybookName)
}

func TestSnapshotHistoryExpiresAtComputedOnce(t *testing.T) {
	gormDB := setupTestDB(t)
	defer teardownTestDB(gormDB, t)

	host := Host{Name: "app01", IP: "10.0.0.30", OperatingSystem: OSFamilyDebian, Active: true}
	assert.NoError(t, gormDB.Create(&host).Error)

	before := time.Now()
	snap := SnapshotHistory{
		SnapshotName:   "Before executing patch-kernel - 2025-01-01 10:00:00",
		HostID:         host.ID,
		RetentionHours: 24,
		Status:         SnapshotStatusActive,
	}
	assert.NoError(t, gormDB.Create(&snap).Error)

	expected := before.Add(24 * time.Hour)
	assert.WithinDuration(t, expected, snap.ExpiresAt, 5*time.Second)

	// Editing retention later must not move the expiry.
	originalExpiry := snap.ExpiresAt
	snap.RetentionHours = 72
	assert.NoError(t, gormDB.Save(&snap).Error)

	var fetched SnapshotHistory
	assert.NoError(t, gormDB.First(&fetched, snap.ID).Error)
	assert.Equal(t, 72, fetched.RetentionHours)
	assert.WithinDuration(t, originalExpiry, fetched.ExpiresAt, time.Second)
}

func TestSnapshotHistoryMarkDeleted(t *testing.T) {
	gormDB := setupTestDB(t)
	defer teardownTestDB(gormDB, t)

	snap := SnapshotHistory{
		SnapshotName:   "Before executing cleanup - 2025-01-01 10:00:00",
		HostID:         1,
		RetentionHours: 24,
		Status:         SnapshotStatusActive,
	}
	assert.NoError(t, gormDB.Create(&snap).Error)

	assert.NoError(t, snap.MarkDeleted(gormDB))

	var fetched SnapshotHistory
	assert.NoError(t, gormDB.First(&fetched, snap.ID).Error)
	assert.Equal(t, SnapshotStatusDeleted, fetched.Status)
	assert.NotNil(t, fetched.RemovedAt)
}

func TestWindowsCredentialEffectivePort(t *testing.T) {
	cred := WindowsCredential{AuthType: "ntlm"}
	assert.Equal(t, 5985, cred.EffectivePort())

	cred.AuthType = "ssl"
	assert.Equal(t, 5986, cred.EffectivePort())

	cred.Port = 1234
	assert.Equal(t, 1234, cred.EffectivePort())
}
