package executors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"gorm.io/gorm"

	"vmops-console/internal/ansible"
	consolekafka "vmops-console/internal/console/kafka"
)

// WindowsScriptBackend wraps raw PowerShell into a one-off win_shell
// playbook and runs it over WinRM synchronously.
type WindowsScriptBackend struct {
	DB     *gorm.DB
	Runner *ansible.Runner
}

func (b *WindowsScriptBackend) Execute(ctx context.Context, req Request) (Result, error) {
	host := &req.Hosts[0]
	script := req.Task.Script
	if script == nil {
		return Result{}, errors.New("no script associated with this task")
	}

	winHost, err := winrmMaterialFor(b.DB, host)
	if err != nil {
		return Result{}, err
	}

	content, err := os.ReadFile(script.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read script %s: %w", script.Name, err)
	}

	log.Printf("[SCRIPT-SCHEDULER-WIN] Executing script: %s", script.Name)
	log.Printf("[SCRIPT-SCHEDULER-WIN] Target host: %s", host.IP)
	log.Printf("[SCRIPT-SCHEDULER-WIN] Using user: %s", winHost.User)

	inventory := ansible.WindowsInventory(winHost)
	playbookContent := ansible.ScriptPlaybook(script.Name, string(content))

	run, err := b.Runner.RunScriptPlaybook(req.Task.ID, inventory, playbookContent)
	if err != nil {
		return Result{}, err
	}
	if run.TimedOut {
		return Result{}, fmt.Errorf("script execution timed out after %s", b.Runner.Timeout)
	}

	output := formatScriptOutput(script.Name, host.Name, host.IP, "windows", run)
	errMsg := ""
	if !run.Success {
		errMsg = "Script execution failed"
	}
	return Result{
		Success:    run.Success,
		TargetName: host.Name,
		TargetIP:   host.IP,
		Output:     output,
		Error:      errMsg,
	}, nil
}

// WindowsPlaybookBackend dispatches a WinRM playbook run to the worker pool.
// Same contract as the Linux playbook backend, different inventory.
type WindowsPlaybookBackend struct {
	DB       *gorm.DB
	Producer consolekafka.Producer
}

func (b *WindowsPlaybookBackend) Execute(ctx context.Context, req Request) (Result, error) {
	host := &req.Hosts[0]
	playbook := req.Task.Playbook
	if playbook == nil {
		return Result{}, errors.New("no playbook associated with this task")
	}

	winHost, err := winrmMaterialFor(b.DB, host)
	if err != nil {
		return Result{}, err
	}
	inventory := ansible.WindowsInventory(winHost)

	extraVars := ansible.MergeExtraVars(map[string]interface{}{
		"hostname":           host.Name,
		"ip":                 host.IP,
		"inventory_hostname": host.Name,
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

	log.Printf("[SCHEDULED-TASK-WINDOWS] Dispatched to worker queue: history_id=%d", history.ID)
	return Result{
		Success:    true,
		Async:      true,
		HistoryID:  history.ID,
		TargetName: host.Name,
		TargetIP:   host.IP,
		Output:     fmt.Sprintf("Windows task dispatched to worker queue (history_id: %d)", history.ID),
	}, nil
}
