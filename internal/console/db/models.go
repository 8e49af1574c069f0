package db

import (
	"time"

	"gorm.io/gorm"
)

// ScheduledTask status values. A task moves pending -> running ->
// {completed, failed} exactly once; cancelled is only reachable from pending.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Task target and payload discriminators.
const (
	TaskTypeHost  = "host"
	TaskTypeGroup = "group"

	ExecutionTypePlaybook = "playbook"
	ExecutionTypeScript   = "script"
)

// OS families understood by the execution backends.
const (
	OSFamilyRedhat  = "redhat"
	OSFamilyDebian  = "debian"
	OSFamilyWindows = "windows"
)

// ScheduledTaskHistory status values. "running" only exists for rows
// pre-created before an async dispatch; the worker flips them terminal.
const (
	HistoryStatusRunning = "running"
	HistoryStatusSuccess = "success"
	HistoryStatusFailed  = "failed"
)

// SnapshotHistory status values.
const (
	SnapshotStatusActive  = "active"
	SnapshotStatusDeleted = "deleted"
	SnapshotStatusFailed  = "failed"
)

// GroupSnapshotDelimiter joins "hostname: snapshotname" pairs on a group
// task's SnapshotName field. Kept identical to existing stored data.
const GroupSnapshotDelimiter = "|||"

// Environment is a deployment environment grouping hosts.
type Environment struct {
	gorm.Model
	Name        string `json:"name" gorm:"uniqueIndex"`
	Description string `json:"description"`
	Active      bool   `json:"active" gorm:"default:true"`
}

// Group is a named set of hosts inside an environment.
type Group struct {
	gorm.Model
	Name          string      `json:"name" gorm:"index"`
	Description   string      `json:"description"`
	EnvironmentID uint        `json:"environment_id"`
	Environment   Environment `json:"-"`
	Active        bool        `json:"active" gorm:"default:true"`
}

// Host is a managed VM. Connection fields override the shared credential
// records when set.
type Host struct {
	gorm.Model
	Name            string `json:"name" gorm:"index"`
	IP              string `json:"ip" gorm:"index"`
	OperatingSystem string `json:"operating_system" gorm:"index"` // redhat, debian or windows
	Active          bool   `json:"active" gorm:"default:true"`

	EnvironmentID uint  `json:"environment_id"`
	GroupID       *uint `json:"group_id" gorm:"index"`

	// vCenter endpoint managing this VM; empty means no snapshot support.
	VCenterServer string `json:"vcenter_server"`

	// Linux connection material.
	AnsibleUser              string `json:"ansible_user"`
	AnsiblePythonInterpreter string `json:"ansible_python_interpreter"`
	SSHPrivateKeyFile        string `json:"ssh_private_key_file"`
	DeploymentCredentialID   *uint  `json:"deployment_credential_id"`

	// Windows connection material. Direct fields take precedence over the
	// linked WindowsCredential.
	WindowsUser         string `json:"windows_user"`
	WindowsPassword     string `json:"-"`
	WindowsCredentialID *uint  `json:"windows_credential_id"`
}

// DeploymentCredential holds the shared SSH user and private key path.
type DeploymentCredential struct {
	gorm.Model
	Name           string `json:"name"`
	User           string `json:"user"`
	SSHKeyFilePath string `json:"ssh_key_file_path"`
}

// WindowsCredential holds WinRM auth material. Passwords arrive already
// decrypted from the credential store; encryption is out of scope here.
type WindowsCredential struct {
	gorm.Model
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"-"`
	AuthType string `json:"auth_type" gorm:"default:ntlm"` // ntlm, basic or ssl
	Port     int    `json:"port"`
}

// EffectivePort returns the configured WinRM port, defaulting by transport.
func (c *WindowsCredential) EffectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.AuthType == "ssl" {
		return 5986
	}
	return 5985
}

// VCenterCredential maps a vCenter endpoint to its login.
type VCenterCredential struct {
	gorm.Model
	Name     string `json:"name"`
	Host     string `json:"host" gorm:"uniqueIndex"`
	User     string `json:"user"`
	Password string `json:"-"`
}

// GlobalSetting is an operator-defined key/value pair merged into every
// execution's extra vars.
type GlobalSetting struct {
	gorm.Model
	Key   string `json:"key" gorm:"uniqueIndex"`
	Value string `json:"value"`
}

// TeamsWebhook configures an outbound Microsoft Teams notification channel.
type TeamsWebhook struct {
	gorm.Model
	Name                 string `json:"name"`
	URL                  string `json:"-"`
	Active               bool   `json:"active" gorm:"default:true"`
	NotifyScheduledTasks bool   `json:"notify_scheduled_tasks" gorm:"default:true"`
	NotifyFailuresOnly   bool   `json:"notify_failures_only"`
}

// Playbook is a pre-authored Ansible unit of work.
type Playbook struct {
	gorm.Model
	Name        string `json:"name" gorm:"index"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	// Optional JSON schema validated against the merged extra vars.
	VarsSchema string `json:"vars_schema" gorm:"type:json"`
}

// Script is raw shell or PowerShell text wrapped into a one-off run.
type Script struct {
	gorm.Model
	Name        string `json:"name" gorm:"index"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	ScriptType  string `json:"script_type"` // shell or powershell
}

// ScheduledTask is a unit of scheduled work against a host or a group.
type ScheduledTask struct {
	gorm.Model
	Name      string `json:"name"`
	TaskType  string `json:"task_type" gorm:"index"` // host or group
	CreatedBy string `json:"created_by"`

	EnvironmentID *uint  `json:"environment_id"`
	HostID        *uint  `json:"host_id"`
	GroupID       *uint  `json:"group_id"`
	Host          *Host  `json:"-"`
	Group         *Group `json:"-"`

	ExecutionType string    `json:"execution_type" gorm:"default:playbook"` // playbook or script
	PlaybookID    *uint     `json:"playbook_id"`
	ScriptID      *uint     `json:"script_id"`
	Playbook      *Playbook `json:"-"`
	Script        *Script   `json:"-"`
	OSFamily      string    `json:"os_family"`

	CreateSnapshot  bool   `json:"create_snapshot"`
	SnapshotCreated bool   `json:"snapshot_created"`
	SnapshotName    string `json:"snapshot_name" gorm:"size:500"`

	ScheduledAt time.Time `json:"scheduled_at" gorm:"index"`

	Status               string     `json:"status" gorm:"index;default:pending"`
	ExecutionStartedAt   *time.Time `json:"execution_started_at"`
	ExecutionCompletedAt *time.Time `json:"execution_completed_at"`
	ErrorMessage         string     `json:"error_message"`

	// ID of the ScheduledTaskHistory row produced by the execution.
	HistoryID *uint `json:"history_id"`
}

// TargetDisplay returns a human-readable target description.
func (t *ScheduledTask) TargetDisplay() string {
	switch {
	case t.TaskType == TaskTypeHost && t.Host != nil:
		return "Host: " + t.Host.Name
	case t.TaskType == TaskTypeGroup && t.Group != nil:
		return "Group: " + t.Group.Name
	}
	return "Unknown"
}

// ScheduledTaskHistory is an immutable record of one execution attempt.
// Target and payload names are denormalized so later renames or deletions
// do not corrupt history.
type ScheduledTaskHistory struct {
	gorm.Model
	ScheduledTaskID uint       `json:"scheduled_task_id" gorm:"index"`
	ScheduledFor    time.Time  `json:"scheduled_for"`
	ExecutedAt      time.Time  `json:"executed_at"`
	CompletedAt     *time.Time `json:"completed_at"`

	Status string `json:"status" gorm:"index"` // running, success or failed

	TaskType        string `json:"task_type"`
	TargetName      string `json:"target_name"`
	TargetIP        string `json:"target_ip"`
	PlaybookName    string `json:"playbook_name"`
	EnvironmentName string `json:"environment_name"`

	Output          string `json:"output" gorm:"type:text"`
	ErrorMessage    string `json:"error_message"`
	DurationSeconds int    `json:"duration_seconds"`
}

// SnapshotHistory is the ledger of every snapshot the system created.
type SnapshotHistory struct {
	gorm.Model
	SnapshotName      string `json:"snapshot_name" gorm:"index"`
	VCenterSnapshotID string `json:"vcenter_snapshot_id"`

	HostID     uint   `json:"host_id" gorm:"index"`
	Host       Host   `json:"-"`
	GroupID    *uint  `json:"group_id"`
	PlaybookID *uint  `json:"playbook_id"`
	ScriptName string `json:"script_name"`
	CreatedBy  string `json:"created_by"`

	Description    string     `json:"description"`
	RetentionHours int        `json:"retention_hours" gorm:"default:24"`
	ExpiresAt      time.Time  `json:"expires_at" gorm:"index"`
	RemovedAt      *time.Time `json:"removed_at"`

	Status       string `json:"status" gorm:"index;default:active"`
	ErrorMessage string `json:"error_message"`
}

// BeforeCreate computes ExpiresAt exactly once from the retention window.
// Later edits to RetentionHours never move an existing expiry.
func (s *SnapshotHistory) BeforeCreate(tx *gorm.DB) error {
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = time.Now().Add(time.Duration(s.RetentionHours) * time.Hour)
	}
	return nil
}

// IsExpired reports whether the retention window has elapsed.
func (s *SnapshotHistory) IsExpired() bool {
	return !time.Now().Before(s.ExpiresAt)
}

// MarkDeleted terminally transitions the ledger row.
func (s *SnapshotHistory) MarkDeleted(tx *gorm.DB) error {
	now := time.Now()
	s.Status = SnapshotStatusDeleted
	s.RemovedAt = &now
	return tx.Model(s).Updates(map[string]interface{}{
		"status":     SnapshotStatusDeleted,
		"removed_at": now,
	}).Error
}

// AllModels lists every model for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Environment{}, &Group{}, &Host{},
		&DeploymentCredential{}, &WindowsCredential{}, &VCenterCredential{},
		&GlobalSetting{}, &TeamsWebhook{},
		&Playbook{}, &Script{},
		&ScheduledTask{}, &ScheduledTaskHistory{}, &SnapshotHistory{},
	}
}
