package executors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"vmops-console/internal/ansible"
	consoledb "vmops-console/internal/console/db"
)

// GroupPlaybookBackend runs one playbook across every active member of a
// group in a single ansible invocation. The run is synchronous; success is
// the aggregate of every per-host recap line, so one failed or unreachable
// host fails the whole task even when ansible exits 0.
type GroupPlaybookBackend struct {
	DB     *gorm.DB
	Runner *ansible.Runner
}

func (b *GroupPlaybookBackend) Execute(ctx context.Context, req Request) (Result, error) {
	task := req.Task
	playbook := task.Playbook
	if playbook == nil {
		return Result{}, errors.New("no playbook associated with this task")
	}
	if task.Group == nil {
		return Result{}, errors.New("no group associated with this task")
	}
	if len(req.Hosts) == 0 {
		return Result{}, fmt.Errorf("no active hosts found in group %s", task.Group.Name)
	}

	envName := environmentName(b.DB, task)

	var invHosts []ansible.LinuxHost
	for i := range req.Hosts {
		host := &req.Hosts[i]
		user, keyPath, err := sshMaterialFor(b.DB, host)
		if err != nil {
			return Result{}, err
		}
		invHosts = append(invHosts, ansible.LinuxHost{
			Name:              host.Name,
			IP:                host.IP,
			User:              user,
			PrivateKeyFile:    keyPath,
			PythonInterpreter: host.AnsiblePythonInterpreter,
		})
	}
	inventory := ansible.GroupInventory(task.Group.Name, envName, invHosts)

	extraVars := ansible.MergeExtraVars(map[string]interface{}{
		"group_name":         task.Group.Name,
		"target_environment": envName,
		"host_count":         len(req.Hosts),
	}, req.Settings)
	extraVarsJSON, err := marshalAndValidateExtraVars(playbook, extraVars)
	if err != nil {
		return Result{}, err
	}

	run, err := b.Runner.RunPlaybook(task.ID, inventory, playbook.FilePath, extraVarsJSON)
	if err != nil {
		return Result{}, err
	}
	if run.TimedOut {
		return Result{}, fmt.Errorf("playbook execution timed out after %s", b.Runner.Timeout)
	}

	errMsg := ""
	if !run.Success {
		errMsg = "Playbook execution failed"
	}
	return Result{
		Success:    run.Success,
		TargetName: fmt.Sprintf("%s (%d hosts)", task.Group.Name, len(req.Hosts)),
		TargetIP:   summarizeIPs(req.Hosts),
		Output:     run.Output,
		Error:      errMsg,
	}, nil
}

// summarizeIPs keeps the history column readable for large groups.
func summarizeIPs(hosts []consoledb.Host) string {
	ips := make([]string, 0, 3)
	for i := range hosts {
		if i == 3 {
			return strings.Join(ips, ", ") + "..."
		}
		ips = append(ips, hosts[i].IP)
	}
	return strings.Join(ips, ", ")
}
