// Package vcenter wraps the vSphere API behind the narrow surface the
// scheduler needs: connect, locate a VM, create/delete snapshots and list
// snapshot ages.
package vcenter

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// DefaultOperationTimeout bounds waits on vSphere tasks when the caller's
// context carries no deadline. The original client waited forever.
const DefaultOperationTimeout = 5 * time.Minute

// SnapshotAge pairs a snapshot name with its age for cleanup decisions.
type SnapshotAge struct {
	Name     string
	AgeHours float64
}

// SnapshotClient is the virtualization-layer surface consumed by the
// snapshot coordinator and the expiry sweeper.
type SnapshotClient interface {
	Connect(ctx context.Context, host, user, password string) (*Session, error)
	CreateSnapshot(ctx context.Context, s *Session, identifier, name, description string) (bool, string, string)
	DeleteSnapshot(ctx context.Context, s *Session, identifier, name string) (bool, string)
	ListSnapshotAges(ctx context.Context, s *Session, identifier string) ([]SnapshotAge, error)
}

// Session is an authenticated vCenter connection. Callers must Close it.
type Session struct {
	client *govmomi.Client
}

// Close logs out the session.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Logout(ctx)
}

// Client is the govmomi-backed SnapshotClient.
type Client struct{}

// NewClient returns the production vSphere client.
func NewClient() *Client { return &Client{} }

var _ SnapshotClient = (*Client)(nil)

// Connect opens an authenticated session against the vCenter endpoint.
// Certificate validation is skipped, matching how the endpoints are
// deployed in the environments this console manages.
func (c *Client) Connect(ctx context.Context, host, user, password string) (*Session, error) {
	u, err := soap.ParseURL(fmt.Sprintf("https://%s/sdk", host))
	if err != nil {
		return nil, fmt.Errorf("invalid vCenter URL for %s: %w", host, err)
	}
	u.User = url.UserPassword(user, password)

	client, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vCenter %s: %w", host, err)
	}
	return &Session{client: client}, nil
}

// findVM locates a VM by IP, NIC IP, display name or guest hostname.
// Templates are excluded. Returns nil when nothing matches.
func (c *Client) findVM(ctx context.Context, s *Session, identifier string) (*mo.VirtualMachine, error) {
	m := view.NewManager(s.client.Client)
	v, err := m.CreateContainerView(ctx, s.client.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create VM container view: %w", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	var vms []mo.VirtualMachine
	err = v.Retrieve(ctx, []string{"VirtualMachine"}, []string{"name", "config.template", "guest", "snapshot"}, &vms)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve VM inventory: %w", err)
	}

	log.Printf("[VCENTER] Searching for VM with IP/name: %s among %d VMs", identifier, len(vms))
	if vm := MatchVM(vms, identifier); vm != nil {
		return vm, nil
	}
	log.Printf("[VCENTER] VM not found with IP/name: %s", identifier)
	return nil, nil
}

// CreateSnapshot resolves the VM and creates a snapshot without memory
// capture and without guest quiescing (fast, no VMware Tools dependency).
// The "not found" message substring is load-bearing: callers retry with an
// alternate identifier when they see it.
func (c *Client) CreateSnapshot(ctx context.Context, s *Session, identifier, name, description string) (bool, string, string) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	vm, err := c.findVM(ctx, s, identifier)
	if err != nil {
		return false, fmt.Sprintf("Exception creating snapshot: %v", err), ""
	}
	if vm == nil {
		return false, fmt.Sprintf("VM with IP %s not found", identifier), ""
	}

	log.Printf("[VCENTER] Creating snapshot '%s' for VM %s (%s)", name, vm.Name, identifier)

	vmObj := object.NewVirtualMachine(s.client.Client, vm.Self)
	task, err := vmObj.CreateSnapshot(ctx, name, description, false, false)
	if err != nil {
		return false, fmt.Sprintf("Failed to create snapshot: %v", err), ""
	}
	if err := task.Wait(ctx); err != nil {
		return false, fmt.Sprintf("Failed to create snapshot: %v", err), ""
	}

	// Re-fetch the VM: the snapshot property is not updated in place after
	// the task completes.
	snapshotID := ""
	refreshed, err := c.findVM(ctx, s, identifier)
	if err == nil && refreshed != nil && refreshed.Snapshot != nil {
		if node := FindDirectChildSnapshot(refreshed.Snapshot.RootSnapshotList, name); node != nil {
			snapshotID = node.Snapshot.Value
		}
	}
	if snapshotID == "" {
		log.Printf("[VCENTER] Snapshot created but ID not found for '%s'", name)
	}

	log.Printf("[VCENTER] Snapshot created successfully: %s", name)
	return true, fmt.Sprintf("Snapshot '%s' created successfully", name), snapshotID
}

// DeleteSnapshot removes a direct child snapshot by exact name.
// Children of the deleted snapshot are preserved (removeChildren=false).
func (c *Client) DeleteSnapshot(ctx context.Context, s *Session, identifier, name string) (bool, string) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	vm, err := c.findVM(ctx, s, identifier)
	if err != nil {
		return false, fmt.Sprintf("Exception deleting snapshot: %v", err)
	}
	if vm == nil {
		return false, fmt.Sprintf("VM with IP %s not found", identifier)
	}
	if vm.Snapshot == nil {
		return false, "VM has no snapshots"
	}

	node := FindDirectChildSnapshot(vm.Snapshot.RootSnapshotList, name)
	if node == nil {
		return false, fmt.Sprintf("Snapshot '%s' not found", name)
	}

	log.Printf("[VCENTER] Deleting snapshot '%s' for VM %s (%s)", name, vm.Name, identifier)

	req := types.RemoveSnapshot_Task{
		This:           node.Snapshot,
		RemoveChildren: false,
	}
	res, err := methods.RemoveSnapshot_Task(ctx, s.client.Client, &req)
	if err != nil {
		return false, fmt.Sprintf("Failed to delete snapshot: %v", err)
	}
	task := object.NewTask(s.client.Client, res.Returnval)
	if err := task.Wait(ctx); err != nil {
		return false, fmt.Sprintf("Failed to delete snapshot: %v", err)
	}

	log.Printf("[VCENTER] Snapshot deleted successfully: %s", name)
	return true, fmt.Sprintf("Snapshot '%s' deleted successfully", name)
}

// ListSnapshotAges returns every snapshot of the VM with its age in hours.
func (c *Client) ListSnapshotAges(ctx context.Context, s *Session, identifier string) ([]SnapshotAge, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	vm, err := c.findVM(ctx, s, identifier)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, fmt.Errorf("VM with IP %s not found", identifier)
	}
	if vm.Snapshot == nil {
		return nil, nil
	}
	return FlattenSnapshotAges(vm.Snapshot.RootSnapshotList, time.Now()), nil
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultOperationTimeout)
}
