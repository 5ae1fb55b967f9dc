// Package sandbox provisions isolated execution environments for tool runs.
// The Docker manager is the real implementation; the disabled manager lets
// tools fall back to host execution when no container runtime is available.
package sandbox

import (
	"context"
	"errors"
)

// ErrSandboxDisabled is returned by a manager that provides no isolation;
// callers should fall back to host execution.
var ErrSandboxDisabled = errors.New("sandbox: disabled")

// ExecResult is the outcome of one command inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is one provisioned execution environment. The project workspace is
// mounted at /workspace.
type Sandbox interface {
	ID() string
	Exec(ctx context.Context, argv []string, cwd string) (*ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Stop(ctx context.Context) error
}

// Manager provisions and caches sandboxes by key (one per project).
type Manager interface {
	// Get returns the sandbox for key, provisioning it on first use with
	// the given host workspace directory mounted.
	Get(ctx context.Context, key, workspace string) (Sandbox, error)

	// Shutdown stops all managed sandboxes.
	Shutdown(ctx context.Context) error
}

// Disabled returns a Manager whose Get always reports ErrSandboxDisabled.
func Disabled() Manager { return disabledManager{} }

type disabledManager struct{}

func (disabledManager) Get(context.Context, string, string) (Sandbox, error) {
	return nil, ErrSandboxDisabled
}

func (disabledManager) Shutdown(context.Context) error { return nil }
