package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/executors"
)

// snapshotLookahead is how far ahead of the due time snapshots are
// pre-created, so slow vCenter operations do not delay execution.
const snapshotLookahead = time.Minute

// Notifier receives terminal task outcomes. Implementations must never
// block the scheduler; failures are theirs to swallow.
type Notifier interface {
	TaskExecuted(task *consoledb.ScheduledTask, history *consoledb.ScheduledTaskHistory)
}

// PollService drives the scheduled task lifecycle: snapshot pre-creation,
// claiming, routed execution, result recording and snapshot expiry.
type PollService struct {
	DB        *gorm.DB
	Registry  *executors.Registry
	Snapshots *SnapshotCoordinator
	Notifier  Notifier
}

func NewPollService(gormDB *gorm.DB, registry *executors.Registry, snapshots *SnapshotCoordinator, notifier Notifier) *PollService {
	return &PollService{DB: gormDB, Registry: registry, Snapshots: snapshots, Notifier: notifier}
}

// RunPollCycle is one full pass of the scheduler. It is safe to invoke
// concurrently: the row-lock claim guarantees each due task executes at
// most once, and losers skip silently.
func (s *PollService) RunPollCycle(ctx context.Context) {
	now := time.Now()
	s.preCreateSnapshots(ctx, now)

	var due []consoledb.ScheduledTask
	if err := s.DB.Where("status = ? AND scheduled_at <= ?", consoledb.TaskStatusPending, now).
		Order("scheduled_at").Find(&due).Error; err != nil {
		log.Printf("[SCHEDULER] Failed to query due tasks: %v", err)
		return
	}
	if len(due) > 0 {
		log.Printf("[SCHEDULER] Found %d due task(s)", len(due))
	}

	for i := range due {
		s.executeDueTask(ctx, due[i].ID)
	}

	s.Snapshots.SweepExpired(ctx)
}

// preCreateSnapshots covers tasks due within the lookahead window but not
// yet due. Per-task failures are logged and never stop the pass; the
// execution path retries inline if the snapshot is still missing.
func (s *PollService) preCreateSnapshots(ctx context.Context, now time.Time) {
	var upcoming []consoledb.ScheduledTask
	if err := s.DB.Where(
		"status = ? AND create_snapshot = ? AND snapshot_created = ? AND scheduled_at > ? AND scheduled_at <= ?",
		consoledb.TaskStatusPending, true, false, now, now.Add(snapshotLookahead),
	).Find(&upcoming).Error; err != nil {
		log.Printf("[SCHEDULER] Failed to query upcoming snapshot tasks: %v", err)
		return
	}

	for i := range upcoming {
		task := &upcoming[i]
		log.Printf("[SCHEDULER] Pre-creating snapshot for task %d (%s), due at %s", task.ID, task.Name, task.ScheduledAt.Format(time.RFC3339))
		if err := s.Snapshots.EnsureSnapshots(ctx, task); err != nil {
			log.Printf("[SCHEDULER] Snapshot pre-creation failed for task %d: %v", task.ID, err)
		}
	}
}

// claimTask atomically transitions one pending task to running under a row
// lock. A task claimed by another poller (or cancelled in the meantime)
// returns claimed=false with no error. Host and Group are loaded with the
// claim: the backends and failure records read them off the task.
func (s *PollService) claimTask(taskID uint) (*consoledb.ScheduledTask, bool, error) {
	var task consoledb.ScheduledTask
	claimed := false
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Host").Preload("Group").
			First(&task, taskID).Error; err != nil {
			return err
		}
		if task.Status != consoledb.TaskStatusPending {
			return nil
		}
		// The status guard in the update keeps the claim at-most-once even
		// on engines that ignore the row lock (sqlite).
		now := time.Now()
		res := tx.Model(&task).Where("status = ?", consoledb.TaskStatusPending).Updates(map[string]interface{}{
			"status":               consoledb.TaskStatusRunning,
			"execution_started_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		task.Status = consoledb.TaskStatusRunning
		task.ExecutionStartedAt = &now
		claimed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &task, claimed, nil
}

func (s *PollService) executeDueTask(ctx context.Context, taskID uint) {
	task, claimed, err := s.claimTask(taskID)
	if err != nil {
		log.Printf("[SCHEDULER] Failed to claim task %d: %v", taskID, err)
		return
	}
	if !claimed {
		return
	}
	log.Printf("[SCHEDULER] Claimed task %d (%s)", task.ID, task.Name)

	if task.CreateSnapshot && !task.SnapshotCreated {
		log.Printf("[SCHEDULER] Snapshot still missing for task %d, creating inline", task.ID)
		if err := s.Snapshots.EnsureSnapshots(ctx, task); err != nil {
			log.Printf("[SCHEDULER] Inline snapshot creation failed for task %d: %v, executing anyway", task.ID, err)
		}
	}

	result, err := s.runBackend(ctx, task)
	if err != nil {
		s.recordFailure(task, err)
		return
	}

	if result.Async {
		s.finishTask(task, consoledb.TaskStatusCompleted, "", result.HistoryID)
		return
	}

	history := s.createTerminalHistory(task, result)
	status := consoledb.TaskStatusCompleted
	if !result.Success {
		status = consoledb.TaskStatusFailed
	}
	var historyID uint
	if history != nil {
		historyID = history.ID
	}
	s.finishTask(task, status, result.Error, historyID)
	s.notify(task, history)
}

// runBackend loads the task's payload and targets and hands it to the
// routed execution backend.
func (s *PollService) runBackend(ctx context.Context, task *consoledb.ScheduledTask) (executors.Result, error) {
	if err := s.loadPayload(task); err != nil {
		return executors.Result{}, err
	}
	hosts, err := targetHosts(s.DB, task)
	if err != nil {
		return executors.Result{}, err
	}
	if len(hosts) == 0 {
		return executors.Result{}, fmt.Errorf("task %d resolved to zero target hosts", task.ID)
	}

	backend, err := s.Registry.Resolve(task.TaskType, task.ExecutionType, task.OSFamily)
	if err != nil {
		return executors.Result{}, err
	}

	return backend.Execute(ctx, executors.Request{
		Task:     task,
		Hosts:    hosts,
		Settings: s.globalSettings(),
	})
}

func (s *PollService) loadPayload(task *consoledb.ScheduledTask) error {
	switch task.ExecutionType {
	case consoledb.ExecutionTypePlaybook:
		if task.PlaybookID == nil {
			return fmt.Errorf("playbook task %d has no playbook assigned", task.ID)
		}
		var playbook consoledb.Playbook
		if err := s.DB.First(&playbook, *task.PlaybookID).Error; err != nil {
			return fmt.Errorf("failed to load playbook for task %d: %w", task.ID, err)
		}
		task.Playbook = &playbook
	case consoledb.ExecutionTypeScript:
		if task.ScriptID == nil {
			return fmt.Errorf("script task %d has no script assigned", task.ID)
		}
		var script consoledb.Script
		if err := s.DB.First(&script, *task.ScriptID).Error; err != nil {
			return fmt.Errorf("failed to load script for task %d: %w", task.ID, err)
		}
		task.Script = &script
	default:
		return fmt.Errorf("task %d has unknown execution type %q", task.ID, task.ExecutionType)
	}
	return nil
}

func (s *PollService) globalSettings() map[string]string {
	settings := make(map[string]string)
	var rows []consoledb.GlobalSetting
	if err := s.DB.Find(&rows).Error; err != nil {
		log.Printf("[SCHEDULER] Failed to load global settings: %v", err)
		return settings
	}
	for _, row := range rows {
		settings[row.Key] = row.Value
	}
	return settings
}

// createTerminalHistory records a synchronous execution's outcome.
func (s *PollService) createTerminalHistory(task *consoledb.ScheduledTask, result executors.Result) *consoledb.ScheduledTaskHistory {
	status := consoledb.HistoryStatusSuccess
	if !result.Success {
		status = consoledb.HistoryStatusFailed
	}
	now := time.Now()
	duration := 0
	if task.ExecutionStartedAt != nil {
		duration = int(now.Sub(*task.ExecutionStartedAt).Seconds())
	}
	payloadName := ""
	if task.Playbook != nil {
		payloadName = task.Playbook.Name
	} else if task.Script != nil {
		payloadName = task.Script.Name
	}
	history := consoledb.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		ScheduledFor:    task.ScheduledAt,
		ExecutedAt:      now,
		CompletedAt:     &now,
		Status:          status,
		TaskType:        task.TaskType,
		TargetName:      result.TargetName,
		TargetIP:        result.TargetIP,
		PlaybookName:    payloadName,
		EnvironmentName: s.environmentName(task),
		Output:          result.Output,
		ErrorMessage:    result.Error,
		DurationSeconds: duration,
	}
	if err := s.DB.Create(&history).Error; err != nil {
		log.Printf("[SCHEDULER] Failed to record history for task %d: %v", task.ID, err)
		return nil
	}
	return &history
}

func (s *PollService) environmentName(task *consoledb.ScheduledTask) string {
	if task.EnvironmentID == nil {
		return ""
	}
	var env consoledb.Environment
	if err := s.DB.First(&env, *task.EnvironmentID).Error; err != nil {
		return ""
	}
	return env.Name
}

// recordFailure terminally fails a claimed task that never reached a
// backend result: routing errors, missing payloads, credential gaps.
func (s *PollService) recordFailure(task *consoledb.ScheduledTask, cause error) {
	log.Printf("[SCHEDULER] Task %d failed: %v", task.ID, cause)
	now := time.Now()
	history := consoledb.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		ScheduledFor:    task.ScheduledAt,
		ExecutedAt:      now,
		CompletedAt:     &now,
		Status:          consoledb.HistoryStatusFailed,
		TaskType:        task.TaskType,
		TargetName:      task.TargetDisplay(),
		EnvironmentName: s.environmentName(task),
		ErrorMessage:    cause.Error(),
	}
	if err := s.DB.Create(&history).Error; err != nil {
		log.Printf("[SCHEDULER] Failed to record failure history for task %d: %v", task.ID, err)
	}
	var historyID uint
	if history.ID != 0 {
		historyID = history.ID
	}
	s.finishTask(task, consoledb.TaskStatusFailed, cause.Error(), historyID)
	s.notify(task, &history)
}

func (s *PollService) finishTask(task *consoledb.ScheduledTask, status, errMsg string, historyID uint) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":                 status,
		"execution_completed_at": now,
		"error_message":          errMsg,
	}
	if historyID != 0 {
		updates["history_id"] = historyID
	}
	if err := s.DB.Model(task).Updates(updates).Error; err != nil {
		log.Printf("[SCHEDULER] Failed to update task %d to %s: %v", task.ID, status, err)
		return
	}
	log.Printf("[SCHEDULER] Task %d finished with status %s", task.ID, status)
}

func (s *PollService) notify(task *consoledb.ScheduledTask, history *consoledb.ScheduledTaskHistory) {
	if s.Notifier == nil || history == nil {
		return
	}
	go s.Notifier.TaskExecuted(task, history)
}
