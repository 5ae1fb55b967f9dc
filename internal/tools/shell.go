package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/sandbox"
)

// Command patterns denied when restriction is on. These back up the
// container hardening (cap-drop ALL, no-new-privileges, pids/memory limits)
// and also apply to host execution when no sandbox is available.
var defaultDenyPatterns = []*regexp.Regexp{
	// Destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Exfiltration and remote code
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// Privilege escalation and container escape
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(nsenter|unshare)\b`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`/proc/sys/(kernel|fs|net)/`),

	// Library injection
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES|BASH_ENV)\s*=`),

	// Crypto mining
	regexp.MustCompile(`\b(xmrig|cpuminer|minerd|ethminer|nbminer)\b`),
	regexp.MustCompile(`stratum\+(tcp|ssl)://`),

	// Persistence
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),

	// Secret dumping
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
}

// ShellTool executes shell commands, preferring the project sandbox and
// falling back to the host when no container runtime is available.
type ShellTool struct {
	workspace    string
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
	restrict     bool
	sandboxMgr   sandbox.Manager
}

// ShellConfig tunes the shell tool.
type ShellConfig struct {
	Workspace string
	Restrict  bool
	Timeout   time.Duration
	Sandbox   sandbox.Manager // nil = host only
}

func NewShellTool(cfg ShellConfig) *ShellTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var deny []*regexp.Regexp
	if cfg.Restrict {
		deny = defaultDenyPatterns
	}
	return &ShellTool{
		workspace:    cfg.Workspace,
		timeout:      timeout,
		denyPatterns: deny,
		restrict:     cfg.Restrict,
		sandboxMgr:   cfg.Sandbox,
	}
}

func (t *ShellTool) Name() string { return "execute_command" }

func (t *ShellTool) Description() string {
	return "Execute a shell command in the project workspace and return its output"
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory, relative to the workspace",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "execute-command",
		Mappings: []XMLMapping{
			{Param: "command", NodeType: XMLNodeContent, Required: true},
			{Param: "folder", NodeType: XMLNodeAttribute, Path: "folder"},
		},
		Example: `<execute-command folder="src">npm test</execute-command>`,
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}

	cwd := workspace
	if folder, _ := args["folder"].(string); folder != "" {
		resolved, err := resolvePath(folder, workspace, t.restrict)
		if err != nil {
			return ErrorResult(err.Error())
		}
		cwd = resolved
	}

	sandboxKey := ToolSandboxKeyFromCtx(ctx)
	if t.sandboxMgr != nil && sandboxKey != "" {
		return t.executeInSandbox(ctx, command, cwd, workspace, sandboxKey)
	}
	return t.executeOnHost(ctx, command, cwd)
}

func (t *ShellTool) executeOnHost(ctx context.Context, command, cwd string) *Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := combineOutput(stdout.String(), stderr.String())

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return SilentResult(output)
}

func (t *ShellTool) executeInSandbox(ctx context.Context, command, cwd, workspace, sandboxKey string) *Result {
	sb, err := t.sandboxMgr.Get(ctx, sandboxKey, workspace)
	if err != nil {
		if err == sandbox.ErrSandboxDisabled {
			return t.executeOnHost(ctx, command, cwd)
		}
		slog.Warn("sandbox unavailable, falling back to host exec", "error", err)
		return t.executeOnHost(ctx, command, cwd)
	}

	containerCwd := "/workspace"
	if cwd != workspace {
		if rel, relErr := filepath.Rel(workspace, cwd); relErr == nil {
			containerCwd = filepath.Join("/workspace", rel)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := sb.Exec(ctx, []string{"sh", "-c", command}, containerCwd)
	if err != nil {
		return ErrorResult(fmt.Sprintf("sandbox exec: %v", err))
	}

	output := combineOutput(res.Stdout, res.Stderr)
	if res.ExitCode != 0 {
		if output == "" {
			output = fmt.Sprintf("command exited with code %d", res.ExitCode)
		}
		return ErrorResult(output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return SilentResult(output)
}

func combineOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + stderr
	}
	return out
}
