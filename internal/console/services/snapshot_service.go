package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/vcenter"
)

const DefaultSnapshotRetentionHours = 24

// SnapshotCoordinator creates pre-execution snapshots and sweeps expired
// ones. All vSphere access goes through the SnapshotClient interface.
type SnapshotCoordinator struct {
	DB      *gorm.DB
	VSphere vcenter.SnapshotClient
}

func NewSnapshotCoordinator(gormDB *gorm.DB, client vcenter.SnapshotClient) *SnapshotCoordinator {
	return &SnapshotCoordinator{DB: gormDB, VSphere: client}
}

// RetentionHours reads the operator-configured retention window, falling
// back to the default when unset or unparseable.
func (c *SnapshotCoordinator) RetentionHours() int {
	var setting consoledb.GlobalSetting
	if err := c.DB.Where(map[string]interface{}{"key": "snapshot_retention_hours"}).First(&setting).Error; err != nil {
		return DefaultSnapshotRetentionHours
	}
	hours, err := strconv.Atoi(setting.Value)
	if err != nil || hours <= 0 {
		log.Printf("[SNAPSHOT] Invalid snapshot_retention_hours value %q, using default %d", setting.Value, DefaultSnapshotRetentionHours)
		return DefaultSnapshotRetentionHours
	}
	return hours
}

// EnsureSnapshots creates one snapshot per target host of the task and
// marks the task as snapshot-covered on success. Group tasks continue past
// per-host failures; the task field stores "hostname: snapshotname" pairs.
func (c *SnapshotCoordinator) EnsureSnapshots(ctx context.Context, task *consoledb.ScheduledTask) error {
	hosts, err := targetHosts(c.DB, task)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return fmt.Errorf("task %d has no target hosts for snapshot creation", task.ID)
	}

	payloadName := payloadDisplayName(c.DB, task)
	snapshotName := fmt.Sprintf("Before executing %s - %s", payloadName, time.Now().Format("2006-01-02 15:04:05"))
	retention := c.RetentionHours()

	sessions := make(map[string]*vcenter.Session)
	defer func() {
		for _, s := range sessions {
			_ = s.Close(ctx)
		}
	}()

	var pairs []string
	created := 0
	for i := range hosts {
		host := &hosts[i]
		if host.VCenterServer == "" {
			log.Printf("[SNAPSHOT] Host %s has no vCenter server configured, skipping snapshot", host.Name)
			continue
		}

		session, err := c.sessionFor(ctx, sessions, host.VCenterServer)
		if err != nil {
			log.Printf("[SNAPSHOT] Could not connect to vCenter %s for host %s: %v", host.VCenterServer, host.Name, err)
			c.recordLedger(task, host, snapshotName, "", retention, consoledb.SnapshotStatusFailed, err.Error())
			continue
		}

		ok, message, snapshotID := c.createWithFallback(ctx, session, host, snapshotName, task)
		if !ok {
			log.Printf("[SNAPSHOT] Failed to create snapshot for host %s: %s", host.Name, message)
			c.recordLedger(task, host, snapshotName, "", retention, consoledb.SnapshotStatusFailed, message)
			continue
		}

		log.Printf("[SNAPSHOT] Created snapshot %q for host %s", snapshotName, host.Name)
		c.recordLedger(task, host, snapshotName, snapshotID, retention, consoledb.SnapshotStatusActive, "")
		pairs = append(pairs, fmt.Sprintf("%s: %s", host.Name, snapshotName))
		created++
	}

	if created == 0 {
		return fmt.Errorf("no snapshots created for task %d (%s)", task.ID, task.Name)
	}

	stored := snapshotName
	if task.TaskType == consoledb.TaskTypeGroup {
		stored = strings.Join(pairs, consoledb.GroupSnapshotDelimiter)
	}
	return c.DB.Model(task).Updates(map[string]interface{}{
		"snapshot_created": true,
		"snapshot_name":    stored,
	}).Error
}

// createWithFallback tries the host IP first and retries with the hostname
// only when vCenter reports the VM as not found. Any other failure is
// returned as-is.
func (c *SnapshotCoordinator) createWithFallback(ctx context.Context, session *vcenter.Session, host *consoledb.Host, name string, task *consoledb.ScheduledTask) (bool, string, string) {
	description := fmt.Sprintf("Automatic pre-execution snapshot for scheduled task %d (%s)", task.ID, task.Name)

	ok, message, snapshotID := c.VSphere.CreateSnapshot(ctx, session, host.IP, name, description)
	if ok {
		return true, message, snapshotID
	}
	if !strings.Contains(strings.ToLower(message), "not found") {
		return false, message, ""
	}

	log.Printf("[SNAPSHOT] VM not found by IP %s, retrying by hostname %s", host.IP, host.Name)
	return c.VSphere.CreateSnapshot(ctx, session, host.Name, name, description)
}

func (c *SnapshotCoordinator) sessionFor(ctx context.Context, sessions map[string]*vcenter.Session, server string) (*vcenter.Session, error) {
	if session, ok := sessions[server]; ok {
		return session, nil
	}
	var cred consoledb.VCenterCredential
	if err := c.DB.Where("host = ?", server).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no vCenter credentials configured for %s", server)
		}
		return nil, err
	}
	session, err := c.VSphere.Connect(ctx, cred.Host, cred.User, cred.Password)
	if err != nil {
		return nil, err
	}
	sessions[server] = session
	return session, nil
}

func (c *SnapshotCoordinator) recordLedger(task *consoledb.ScheduledTask, host *consoledb.Host, name, snapshotID string, retention int, status, errMsg string) {
	entry := consoledb.SnapshotHistory{
		SnapshotName:      name,
		VCenterSnapshotID: snapshotID,
		HostID:            host.ID,
		GroupID:           task.GroupID,
		PlaybookID:        task.PlaybookID,
		CreatedBy:         task.CreatedBy,
		Description:       fmt.Sprintf("Pre-execution snapshot for task: %s", task.Name),
		RetentionHours:    retention,
		Status:            status,
		ErrorMessage:      errMsg,
	}
	if task.ExecutionType == consoledb.ExecutionTypeScript {
		entry.ScriptName = payloadDisplayName(c.DB, task)
	}
	if err := c.DB.Create(&entry).Error; err != nil {
		log.Printf("[SNAPSHOT] Failed to record snapshot ledger entry for host %s: %v", host.Name, err)
	}
}

// SweepExpired removes snapshots whose retention window has elapsed. The
// ledger row is terminally marked deleted whatever the remote outcome, so
// a snapshot already gone from vCenter never wedges the sweeper.
func (c *SnapshotCoordinator) SweepExpired(ctx context.Context) {
	var expired []consoledb.SnapshotHistory
	if err := c.DB.Preload("Host").
		Where("status = ? AND expires_at <= ?", consoledb.SnapshotStatusActive, time.Now()).
		Find(&expired).Error; err != nil {
		log.Printf("[SNAPSHOT-SWEEP] Failed to query expired snapshots: %v", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	log.Printf("[SNAPSHOT-SWEEP] Found %d expired snapshot(s)", len(expired))

	sessions := make(map[string]*vcenter.Session)
	defer func() {
		for _, s := range sessions {
			_ = s.Close(ctx)
		}
	}()

	for i := range expired {
		entry := &expired[i]
		host := entry.Host

		if host.VCenterServer != "" {
			session, err := c.sessionFor(ctx, sessions, host.VCenterServer)
			if err != nil {
				log.Printf("[SNAPSHOT-SWEEP] Could not connect to vCenter %s: %v", host.VCenterServer, err)
			} else {
				ok, message := c.VSphere.DeleteSnapshot(ctx, session, host.IP, entry.SnapshotName)
				if !ok && strings.Contains(strings.ToLower(message), "not found") {
					ok, message = c.VSphere.DeleteSnapshot(ctx, session, host.Name, entry.SnapshotName)
				}
				if ok {
					log.Printf("[SNAPSHOT-SWEEP] Deleted snapshot %q from host %s", entry.SnapshotName, host.Name)
				} else {
					log.Printf("[SNAPSHOT-SWEEP] Could not delete snapshot %q from host %s: %s", entry.SnapshotName, host.Name, message)
				}
			}
		}

		if err := entry.MarkDeleted(c.DB); err != nil {
			log.Printf("[SNAPSHOT-SWEEP] Failed to mark ledger entry %d deleted: %v", entry.ID, err)
		}
	}
}

// RemoteSnapshotAges lists the snapshots currently held on the host's VM in
// vCenter, with their ages in hours. This is the live view; the ledger can
// lag behind when an administrator removes snapshots by hand.
func (c *SnapshotCoordinator) RemoteSnapshotAges(ctx context.Context, hostID uint) ([]vcenter.SnapshotAge, error) {
	var host consoledb.Host
	if err := c.DB.First(&host, hostID).Error; err != nil {
		return nil, fmt.Errorf("failed to load host %d: %w", hostID, err)
	}
	if host.VCenterServer == "" {
		return nil, fmt.Errorf("host %s has no vCenter server configured", host.Name)
	}

	sessions := make(map[string]*vcenter.Session)
	defer func() {
		for _, s := range sessions {
			_ = s.Close(ctx)
		}
	}()
	session, err := c.sessionFor(ctx, sessions, host.VCenterServer)
	if err != nil {
		return nil, err
	}

	ages, err := c.VSphere.ListSnapshotAges(ctx, session, host.IP)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "not found") {
		ages, err = c.VSphere.ListSnapshotAges(ctx, session, host.Name)
	}
	return ages, err
}

// targetHosts resolves the task's target to the concrete host rows.
func targetHosts(gormDB *gorm.DB, task *consoledb.ScheduledTask) ([]consoledb.Host, error) {
	switch task.TaskType {
	case consoledb.TaskTypeHost:
		if task.HostID == nil {
			return nil, fmt.Errorf("host task %d has no host assigned", task.ID)
		}
		var host consoledb.Host
		if err := gormDB.First(&host, *task.HostID).Error; err != nil {
			return nil, fmt.Errorf("failed to load host for task %d: %w", task.ID, err)
		}
		return []consoledb.Host{host}, nil
	case consoledb.TaskTypeGroup:
		if task.GroupID == nil {
			return nil, fmt.Errorf("group task %d has no group assigned", task.ID)
		}
		var hosts []consoledb.Host
		if err := gormDB.Where("group_id = ? AND active = ?", *task.GroupID, true).Order("name").Find(&hosts).Error; err != nil {
			return nil, fmt.Errorf("failed to load group hosts for task %d: %w", task.ID, err)
		}
		return hosts, nil
	}
	return nil, fmt.Errorf("task %d has unknown task type %q", task.ID, task.TaskType)
}

func payloadDisplayName(gormDB *gorm.DB, task *consoledb.ScheduledTask) string {
	switch task.ExecutionType {
	case consoledb.ExecutionTypeScript:
		if task.Script != nil {
			return task.Script.Name
		}
		if task.ScriptID != nil {
			var script consoledb.Script
			if err := gormDB.First(&script, *task.ScriptID).Error; err == nil {
				return script.Name
			}
		}
	default:
		if task.Playbook != nil {
			return task.Playbook.Name
		}
		if task.PlaybookID != nil {
			var playbook consoledb.Playbook
			if err := gormDB.First(&playbook, *task.PlaybookID).Error; err == nil {
				return playbook.Name
			}
		}
	}
	return task.Name
}
