package ansible

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Default wall-clock limits for backend-run child processes. Dispatched
// playbook runs in the worker pool get the long bound; synchronous runs
// that block the scheduler loop get the short one.
const (
	DefaultPlaybookTimeout = 50 * time.Minute
	DefaultScriptTimeout   = 10 * time.Minute
)

// RunResult is the normalized outcome of one child-process run.
type RunResult struct {
	Output   string
	ExitCode int
	TimedOut bool
	Success  bool
}

// Runner invokes ansible-playbook (or ssh for raw scripts) with a hard
// wall-clock timeout. Ephemeral inventory and playbook artifacts are keyed
// by the execution's history id so concurrent runs never collide, and are
// removed on every exit path.
type Runner struct {
	PlaybookBin string
	SSHBin      string
	WorkDir     string
	Timeout     time.Duration
}

// NewRunner builds a Runner from environment configuration.
func NewRunner() *Runner {
	playbookBin := os.Getenv("ANSIBLE_PLAYBOOK_PATH")
	if playbookBin == "" {
		playbookBin = "ansible-playbook"
	}
	sshBin := os.Getenv("SSH_PATH")
	if sshBin == "" {
		sshBin = "ssh"
	}
	return &Runner{
		PlaybookBin: playbookBin,
		SSHBin:      sshBin,
		WorkDir:     os.TempDir(),
		Timeout:     DefaultPlaybookTimeout,
	}
}

// NewSyncRunner builds a Runner for runs the scheduler waits on (script
// execution, group playbooks). These hold a poll cycle open, so they get
// the short script bound instead of the worker pool's playbook bound.
func NewSyncRunner() *Runner {
	r := NewRunner()
	r.Timeout = DefaultScriptTimeout
	return r
}

func (r *Runner) workDir() string {
	if r.WorkDir != "" {
		return r.WorkDir
	}
	return os.TempDir()
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultPlaybookTimeout
}

// RunPlaybook writes the inventory to an execution-unique file and runs the
// playbook against it with merged extra vars.
func (r *Runner) RunPlaybook(executionID uint, inventoryContent, playbookPath, extraVarsJSON string) (RunResult, error) {
	inventoryPath := filepath.Join(r.workDir(), fmt.Sprintf("ansible_inventory_%d.ini", executionID))
	if err := os.WriteFile(inventoryPath, []byte(inventoryContent), 0600); err != nil {
		return RunResult{}, fmt.Errorf("failed to write inventory file: %w", err)
	}
	defer removeArtifact(inventoryPath)

	args := []string{"-i", inventoryPath, playbookPath}
	if extraVarsJSON != "" {
		args = append(args, "--extra-vars", extraVarsJSON)
	}
	args = append(args, "-v")

	return r.runCommand(exec.Command(r.PlaybookBin, args...), nil)
}

// RunScriptPlaybook writes both the inventory and a generated one-off
// playbook (wrapping raw script text) and runs it. Used for the Windows
// script path.
func (r *Runner) RunScriptPlaybook(executionID uint, inventoryContent, playbookContent string) (RunResult, error) {
	inventoryPath := filepath.Join(r.workDir(), fmt.Sprintf("ansible_inventory_script_win_%d.ini", executionID))
	if err := os.WriteFile(inventoryPath, []byte(inventoryContent), 0600); err != nil {
		return RunResult{}, fmt.Errorf("failed to write inventory file: %w", err)
	}
	defer removeArtifact(inventoryPath)

	playbookPath := filepath.Join(r.workDir(), fmt.Sprintf("ansible_playbook_script_win_%d.yml", executionID))
	if err := os.WriteFile(playbookPath, []byte(playbookContent), 0600); err != nil {
		return RunResult{}, fmt.Errorf("failed to write generated playbook: %w", err)
	}
	defer removeArtifact(playbookPath)

	cmd := exec.Command(r.PlaybookBin, "-vv", "-i", inventoryPath, playbookPath)
	return r.runCommand(cmd, nil)
}

// RunScriptOverSSH pipes raw shell text to `bash -s` on the target.
func (r *Runner) RunScriptOverSSH(user, ip, keyPath, scriptContent string) (RunResult, error) {
	cmd := exec.Command(r.SSHBin,
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		fmt.Sprintf("%s@%s", user, ip),
		"bash -s",
	)
	return r.runCommand(cmd, []byte(scriptContent))
}

func (r *Runner) runCommand(cmd *exec.Cmd, stdin []byte) (RunResult, error) {
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	timeout := r.timeout()
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(timeout):
		if cmd.Process != nil {
			if killErr := cmd.Process.Kill(); killErr != nil {
				log.Printf("[ANSIBLE-RUNNER] Failed to kill timed-out process: %v", killErr)
			}
		}
		<-done
		return RunResult{
			Output:   combined.String(),
			ExitCode: -1,
			TimedOut: true,
			Success:  false,
		}, nil
	case err := <-done:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return RunResult{Output: combined.String()}, fmt.Errorf("command execution failed: %w", err)
			}
			exitCode = exitErr.ExitCode()
		}
		output := combined.String()
		return RunResult{
			Output:   output,
			ExitCode: exitCode,
			Success:  CheckRecap(output, exitCode),
		}, nil
	}
}

func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[ANSIBLE-RUNNER] Failed to remove artifact %s: %v", path, err)
	}
}
