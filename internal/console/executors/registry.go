package executors

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"vmops-console/internal/ansible"
	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/kafka"
)

// RouteKey selects an execution backend for a task. Routing replaces the
// original's nested conditionals over the same three flags.
type RouteKey struct {
	TargetKind  string // host or group
	PayloadKind string // playbook or script
	OSFamily    string // redhat, debian or windows
}

// Request is one unit of work handed to a backend. Targets are resolved by
// the scheduler before dispatch; Settings are the operator's global
// key/value pairs merged into the extra vars.
type Request struct {
	Task     *consoledb.ScheduledTask
	Hosts    []consoledb.Host
	Settings map[string]string
}

// Result is the normalized outcome of one backend invocation. Async
// backends return immediately after dispatch with Async=true and the id of
// the pre-created history row; the worker writes the terminal outcome.
type Result struct {
	Success    bool
	Async      bool
	HistoryID  uint
	TargetName string
	TargetIP   string
	Output     string
	Error      string
}

// Backend runs a playbook or script against the request's targets.
type Backend interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry maps route keys to backends, resolved once at dispatch time.
type Registry struct {
	backends map[RouteKey]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[RouteKey]Backend)}
}

func (r *Registry) Register(key RouteKey, backend Backend) {
	log.Printf("Registering execution backend for route: %+v", key)
	r.backends[key] = backend
}

// Resolve returns the backend for the route or an error when the
// combination is unsupported (e.g. scripts against a whole group).
func (r *Registry) Resolve(targetKind, payloadKind, osFamily string) (Backend, error) {
	backend, ok := r.backends[RouteKey{TargetKind: targetKind, PayloadKind: payloadKind, OSFamily: osFamily}]
	if !ok {
		return nil, fmt.Errorf("no execution backend registered for target=%s payload=%s os_family=%s",
			targetKind, payloadKind, osFamily)
	}
	return backend, nil
}

// DefaultRegistry wires the production backends.
func DefaultRegistry(gormDB *gorm.DB, producer kafka.Producer, runner *ansible.Runner) *Registry {
	r := NewRegistry()

	linuxScript := &LinuxScriptBackend{DB: gormDB, Runner: runner}
	windowsScript := &WindowsScriptBackend{DB: gormDB, Runner: runner}
	linuxPlaybook := &LinuxPlaybookBackend{DB: gormDB, Producer: producer}
	windowsPlaybook := &WindowsPlaybookBackend{DB: gormDB, Producer: producer}
	groupPlaybook := &GroupPlaybookBackend{DB: gormDB, Runner: runner}

	for _, osFamily := range []string{consoledb.OSFamilyRedhat, consoledb.OSFamilyDebian} {
		r.Register(RouteKey{consoledb.TaskTypeHost, consoledb.ExecutionTypeScript, osFamily}, linuxScript)
		r.Register(RouteKey{consoledb.TaskTypeHost, consoledb.ExecutionTypePlaybook, osFamily}, linuxPlaybook)
		r.Register(RouteKey{consoledb.TaskTypeGroup, consoledb.ExecutionTypePlaybook, osFamily}, groupPlaybook)
	}
	r.Register(RouteKey{consoledb.TaskTypeHost, consoledb.ExecutionTypeScript, consoledb.OSFamilyWindows}, windowsScript)
	r.Register(RouteKey{consoledb.TaskTypeHost, consoledb.ExecutionTypePlaybook, consoledb.OSFamilyWindows}, windowsPlaybook)

	return r
}
