package vcenter

import (
	"strings"
	"time"

	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// MatchVM scans the retrieved inventory for the first VM matching the
// identifier. Match order: guest primary IP, any secondary NIC IP, VM
// display name, guest hostname (exact then short form). Templates are
// skipped entirely.
func MatchVM(vms []mo.VirtualMachine, identifier string) *mo.VirtualMachine {
	for i := range vms {
		vm := &vms[i]
		if vm.Config != nil && vm.Config.Template {
			continue
		}
		if matchesIdentifier(vm, identifier) {
			return vm
		}
	}
	return nil
}

func matchesIdentifier(vm *mo.VirtualMachine, identifier string) bool {
	if vm.Guest != nil {
		if vm.Guest.IpAddress == identifier {
			return true
		}
		for _, nic := range vm.Guest.Net {
			for _, ip := range nic.IpAddress {
				if ip == identifier {
					return true
				}
			}
		}
	}
	if vm.Name == identifier {
		return true
	}
	if vm.Guest != nil && vm.Guest.HostName != "" {
		if vm.Guest.HostName == identifier {
			return true
		}
		if short := strings.SplitN(vm.Guest.HostName, ".", 2)[0]; short == identifier {
			return true
		}
	}
	return false
}

// FindDirectChildSnapshot returns the root-level snapshot with the exact
// name, or nil. Nested snapshots are intentionally not searched: deletion
// only ever targets direct children so descendants are reparented by the
// platform's default semantics.
func FindDirectChildSnapshot(tree []types.VirtualMachineSnapshotTree, name string) *types.VirtualMachineSnapshotTree {
	for i := range tree {
		if tree[i].Name == name {
			return &tree[i]
		}
	}
	return nil
}

// FlattenSnapshotAges walks the whole snapshot tree and reports each
// snapshot's age relative to now.
func FlattenSnapshotAges(tree []types.VirtualMachineSnapshotTree, now time.Time) []SnapshotAge {
	var ages []SnapshotAge
	var walk func(nodes []types.VirtualMachineSnapshotTree)
	walk = func(nodes []types.VirtualMachineSnapshotTree) {
		for _, node := range nodes {
			ages = append(ages, SnapshotAge{
				Name:     node.Name,
				AgeHours: now.Sub(node.CreateTime).Hours(),
			})
			walk(node.ChildSnapshotList)
		}
	}
	walk(tree)
	return ages
}
