package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	"vmops-console/internal/ansible"
	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/events"
	consolekafka "vmops-console/internal/console/kafka"
	"vmops-console/pkg/validation"
)

// LinuxScriptBackend pipes raw shell text to the target over SSH and waits
// for it. This is the synchronous path: the scheduler records the outcome
// itself.
type LinuxScriptBackend struct {
	DB     *gorm.DB
	Runner *ansible.Runner
}

func (b *LinuxScriptBackend) Execute(ctx context.Context, req Request) (Result, error) {
	host := &req.Hosts[0]
	script := req.Task.Script
	if script == nil {
		return Result{}, errors.New("no script associated with this task")
	}

	user, keyPath, err := sshMaterialFor(b.DB, host)
	if err != nil {
		return Result{}, err
	}

	content, err := os.ReadFile(script.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read script %s: %w", script.Name, err)
	}

	log.Printf("[SCRIPT-SCHEDULER] Executing script: %s", script.Name)
	log.Printf("[SCRIPT-SCHEDULER] Target host: %s", host.IP)
	log.Printf("[SCRIPT-SCHEDULER] Using user: %s", user)

	run, err := b.Runner.RunScriptOverSSH(user, host.IP, keyPath, string(content))
	if err != nil {
		return Result{}, err
	}
	if run.TimedOut {
		return Result{}, fmt.Errorf("script execution timed out after %s", b.Runner.Timeout)
	}

	output := formatScriptOutput(script.Name, host.Name, host.IP, req.Task.OSFamily, run)
	errMsg := ""
	if !run.Success {
		errMsg = fmt.Sprintf("Script execution failed with exit code %d", run.ExitCode)
	}
	return Result{
		Success:    run.Success,
		TargetName: host.Name,
		TargetIP:   host.IP,
		Output:     output,
		Error:      errMsg,
	}, nil
}

// LinuxPlaybookBackend dispatches a playbook run to the worker pool over
// Kafka. It pre-creates the running history row so the worker can update it
// in place, and returns immediately after a successful publish.
type LinuxPlaybookBackend struct {
	DB       *gorm.DB
	Producer consolekafka.Producer
}

func (b *LinuxPlaybookBackend) Execute(ctx context.Context, req Request) (Result, error) {
	host := &req.Hosts[0]
	playbook := req.Task.Playbook
	if playbook == nil {
		return Result{}, errors.New("no playbook associated with this task")
	}

	user, keyPath, err := sshMaterialFor(b.DB, host)
	if err != nil {
		return Result{}, err
	}

	inventory := ansible.LinuxHostInventory(ansible.LinuxHost{
		Name:              host.Name,
		IP:                host.IP,
		User:              user,
		PrivateKeyFile:    keyPath,
		PythonInterpreter: host.AnsiblePythonInterpreter,
	})

	extraVars := ansible.MergeExtraVars(map[string]interface{}{
		"hostname":           host.Name,
		"ip":                 host.IP,
		"inventory_hostname": host.Name,
		"target_host":        host.IP,
	}, req.Settings)
	extraVarsJSON, err := marshalAndValidateExtraVars(playbook, extraVars)
	if err != nil {
		return Result{}, err
	}

	history, err := createRunningHistory(b.DB, req.Task, host.Name, host.IP, playbook.Name)
	if err != nil {
		return Result{}, err
	}

	if err := publishDispatch(ctx, b.DB, b.Producer, history, req.Task, inventory, playbook.FilePath, extraVarsJSON); err != nil {
		return Result{}, err
	}

	log.Printf("[SCHEDULED-TASK] Dispatched to worker queue: history_id=%d", history.ID)
	return Result{
		Success:    true,
		Async:      true,
		HistoryID:  history.ID,
		TargetName: host.Name,
		TargetIP:   host.IP,
		Output:     fmt.Sprintf("Task dispatched to worker queue (history_id: %d)", history.ID),
	}, nil
}

func formatScriptOutput(scriptName, hostName, hostIP, osFamily string, run ansible.RunResult) string {
	var b strings.Builder
	b.WriteString("Script: " + scriptName + "\n")
	b.WriteString(fmt.Sprintf("Target: %s (%s)\n", hostName, hostIP))
	b.WriteString("OS Family: " + osFamily + "\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")
	b.WriteString(run.Output)
	b.WriteString("\n" + strings.Repeat("=", 60) + "\n")
	b.WriteString(fmt.Sprintf("Exit Code: %d\n", run.ExitCode))
	return b.String()
}

// createRunningHistory inserts the pre-dispatch history row. Target and
// payload names are denormalized here, at execution time.
func createRunningHistory(gormDB *gorm.DB, task *consoledb.ScheduledTask, targetName, targetIP, playbookName string) (*consoledb.ScheduledTaskHistory, error) {
	history := consoledb.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		ScheduledFor:    task.ScheduledAt,
		ExecutedAt:      time.Now(),
		Status:          consoledb.HistoryStatusRunning,
		TaskType:        task.TaskType,
		TargetName:      targetName,
		TargetIP:        targetIP,
		PlaybookName:    playbookName,
		EnvironmentName: environmentName(gormDB, task),
	}
	if err := gormDB.Create(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to create history record: %w", err)
	}
	return &history, nil
}

func environmentName(gormDB *gorm.DB, task *consoledb.ScheduledTask) string {
	if task.EnvironmentID == nil {
		return ""
	}
	var env consoledb.Environment
	if err := gormDB.First(&env, *task.EnvironmentID).Error; err != nil {
		return ""
	}
	return env.Name
}

func marshalAndValidateExtraVars(playbook *consoledb.Playbook, extraVars map[string]interface{}) (string, error) {
	data, err := json.Marshal(extraVars)
	if err != nil {
		return "", fmt.Errorf("failed to marshal extra vars: %w", err)
	}
	if playbook.VarsSchema != "" {
		if err := validation.ValidateJSONWithSchema(playbook.VarsSchema, string(data)); err != nil {
			return "", fmt.Errorf("extra vars rejected by playbook schema: %w", err)
		}
	}
	return string(data), nil
}

// publishDispatch writes the dispatch message; on failure the pre-created
// history row is terminally failed so it never lingers as running.
func publishDispatch(ctx context.Context, gormDB *gorm.DB, producer consolekafka.Producer,
	history *consoledb.ScheduledTaskHistory, task *consoledb.ScheduledTask,
	inventory, playbookPath, extraVarsJSON string) error {

	payload := events.PlaybookDispatch{
		HistoryID:        history.ID,
		TaskID:           task.ID,
		TargetName:       history.TargetName,
		InventoryContent: inventory,
		PlaybookPath:     playbookPath,
		ExtraVarsJSON:    extraVarsJSON,
		TimeoutSeconds:   int(ansible.DefaultPlaybookTimeout.Seconds()),
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch payload: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msg := kafka.Message{Key: []byte(strconv.FormatUint(uint64(task.ID), 10)), Value: value}
	if err := producer.WriteMessages(writeCtx, msg); err != nil {
		failMsg := fmt.Sprintf("Failed to dispatch to worker queue: %v", err)
		gormDB.Model(history).Updates(map[string]interface{}{
			"status":        consoledb.HistoryStatusFailed,
			"error_message": failMsg,
		})
		return errors.New(failMsg)
	}
	return nil
}
