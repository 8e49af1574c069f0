package ansible

import (
	"fmt"
	"strings"
)

// LinuxHost carries the connection material for one SSH-reachable target.
type LinuxHost struct {
	Name              string
	IP                string
	User              string
	PrivateKeyFile    string
	PythonInterpreter string
}

// WindowsHost carries the WinRM connection material for one target.
type WindowsHost struct {
	IP       string
	User     string
	Password string
	AuthType string
	Port     int
}

const sshCommonArgs = "'-o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null'"

// LinuxHostInventory renders the single-host [target_host] inventory.
func LinuxHostInventory(h LinuxHost) string {
	interp := h.PythonInterpreter
	if interp == "" {
		interp = "/usr/bin/python3"
	}
	return fmt.Sprintf("[target_host]\n%s ansible_user=%s ansible_ssh_private_key_file=%s ansible_ssh_common_args=%s ansible_python_interpreter=%s\n",
		h.IP, h.User, h.PrivateKeyFile, sshCommonArgs, interp)
}

// GroupInventory renders the [target_group] inventory with one line per
// member host plus the group-level variable section.
func GroupInventory(groupName, environmentName string, hosts []LinuxHost) string {
	lines := []string{"[target_group]"}
	for _, h := range hosts {
		vars := []string{
			fmt.Sprintf("ansible_host=%s", h.IP),
			fmt.Sprintf("ansible_user=%s", h.User),
			fmt.Sprintf("ansible_ssh_private_key_file=%s", h.PrivateKeyFile),
			"ansible_ssh_common_args=" + sshCommonArgs,
		}
		if h.PythonInterpreter != "" {
			vars = append(vars, fmt.Sprintf("ansible_python_interpreter=%s", h.PythonInterpreter))
		}
		lines = append(lines, fmt.Sprintf("%s %s", h.Name, strings.Join(vars, " ")))
	}
	lines = append(lines, "", "[target_group:vars]",
		fmt.Sprintf("group_name=%s", groupName),
		fmt.Sprintf("target_environment=%s", environmentName))
	return strings.Join(lines, "\n") + "\n"
}

// WindowsInventory renders the [windows_hosts] WinRM inventory.
func WindowsInventory(h WindowsHost) string {
	return fmt.Sprintf(`[windows_hosts]
%s

[windows_hosts:vars]
ansible_user=%s
ansible_password=%s
ansible_connection=winrm
ansible_winrm_transport=%s
ansible_winrm_server_cert_validation=ignore
ansible_port=%d
ansible_winrm_read_timeout_sec=60
ansible_winrm_operation_timeout_sec=50
`, h.IP, h.User, h.Password, h.AuthType, h.Port)
}

// ScriptPlaybook wraps raw PowerShell text into a one-off win_shell playbook.
func ScriptPlaybook(scriptName, scriptContent string) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("- name: Execute PowerShell Script\n")
	b.WriteString("  hosts: windows_hosts\n")
	b.WriteString("  gather_facts: no\n")
	b.WriteString("  tasks:\n")
	b.WriteString(fmt.Sprintf("    - name: Execute %s\n", scriptName))
	b.WriteString("      win_shell: |\n")
	for _, line := range strings.Split(strings.TrimRight(scriptContent, "\n"), "\n") {
		b.WriteString("        " + line + "\n")
	}
	b.WriteString("      register: script_output\n\n")
	b.WriteString("    - name: Display output\n")
	b.WriteString("      debug:\n")
	b.WriteString("        var: script_output\n")
	return b.String()
}

// MergeExtraVars merges operator-defined global settings into the
// target-specific variables. Specific values win over settings, and the
// legacy log_dir_update key is aliased to log_dir when log_dir is absent.
func MergeExtraVars(specific map[string]interface{}, settings map[string]string) map[string]interface{} {
	merged := make(map[string]interface{}, len(specific)+len(settings))
	for k, v := range settings {
		merged[k] = v
	}
	for k, v := range specific {
		merged[k] = v
	}
	if v, ok := merged["log_dir_update"]; ok {
		if _, exists := merged["log_dir"]; !exists {
			merged["log_dir"] = v
		}
	}
	return merged
}
