package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/sandbox"
)

const maxReadFileBytes = 256 * 1024

// FileToolConfig is shared by the file tools.
type FileToolConfig struct {
	Workspace string
	Restrict  bool
	Sandbox   sandbox.Manager // nil = host only
}

// fileToolBase resolves paths and routes reads/writes to the project sandbox
// when one is attached to the context.
type fileToolBase struct {
	workspace  string
	restrict   bool
	sandboxMgr sandbox.Manager
}

func (b *fileToolBase) resolveWorkspace(ctx context.Context) string {
	if ws := ToolWorkspaceFromCtx(ctx); ws != "" {
		return ws
	}
	return b.workspace
}

// sandboxFor returns the sandbox for the current run, or nil when file ops
// should go to the host.
func (b *fileToolBase) sandboxFor(ctx context.Context, workspace string) sandbox.Sandbox {
	key := ToolSandboxKeyFromCtx(ctx)
	if b.sandboxMgr == nil || key == "" {
		return nil
	}
	sb, err := b.sandboxMgr.Get(ctx, key, workspace)
	if err != nil {
		return nil
	}
	return sb
}

// containerPath maps a host workspace path to its /workspace mount.
func containerPath(workspace, hostPath string) string {
	rel, err := filepath.Rel(workspace, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return hostPath
	}
	return filepath.Join("/workspace", rel)
}

func (b *fileToolBase) readFile(ctx context.Context, workspace, path string) ([]byte, error) {
	if sb := b.sandboxFor(ctx, workspace); sb != nil {
		return sb.ReadFile(ctx, containerPath(workspace, path))
	}
	return os.ReadFile(path)
}

func (b *fileToolBase) writeFile(ctx context.Context, workspace, path string, data []byte) error {
	if sb := b.sandboxFor(ctx, workspace); sb != nil {
		return sb.WriteFile(ctx, containerPath(workspace, path), data)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// --- read_file ---

type ReadFileTool struct {
	fileToolBase
}

func NewReadFileTool(cfg FileToolConfig) *ReadFileTool {
	return &ReadFileTool{fileToolBase{cfg.Workspace, cfg.Restrict, cfg.Sandbox}}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the project workspace. Supports optional line range via start_line/end_line (1-based, inclusive)."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, relative to the workspace",
			},
			"start_line": map[string]interface{}{
				"type":        "number",
				"description": "First line to return (1-based)",
			},
			"end_line": map[string]interface{}{
				"type":        "number",
				"description": "Last line to return (inclusive)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "read-file",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path", Required: true},
			{Param: "start_line", NodeType: XMLNodeAttribute, Path: "start_line", Type: "int"},
			{Param: "end_line", NodeType: XMLNodeAttribute, Path: "end_line", Type: "int"},
		},
		Example: `<read-file path="src/main.go"></read-file>`,
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	workspace := t.resolveWorkspace(ctx)
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := t.readFile(ctx, workspace, resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	if len(data) > maxReadFileBytes {
		data = data[:maxReadFileBytes]
	}

	content := string(data)
	start, haveStart := args["start_line"].(float64)
	end, haveEnd := args["end_line"].(float64)
	if haveStart || haveEnd {
		lines := strings.Split(content, "\n")
		lo, hi := 1, len(lines)
		if haveStart && int(start) > lo {
			lo = int(start)
		}
		if haveEnd && int(end) < hi {
			hi = int(end)
		}
		if lo > len(lines) || lo > hi {
			return ErrorResult(fmt.Sprintf("line range %d-%d out of bounds (%d lines)", lo, hi, len(lines)))
		}
		content = strings.Join(lines[lo-1:hi], "\n")
	}
	return SilentResult(content)
}

// --- write_file ---

type WriteFileTool struct {
	fileToolBase
}

func NewWriteFileTool(cfg FileToolConfig) *WriteFileTool {
	return &WriteFileTool{fileToolBase{cfg.Workspace, cfg.Restrict, cfg.Sandbox}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the project workspace with the given content. Parent directories are created as needed."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, relative to the workspace",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "create-file",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path", Required: true},
			{Param: "content", NodeType: XMLNodeContent, Required: true},
		},
		Example: "<create-file path=\"notes.md\"># Notes\n</create-file>",
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}
	workspace := t.resolveWorkspace(ctx)
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := t.writeFile(ctx, workspace, resolved, []byte(content)); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return SilentResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// --- str_replace ---

type StrReplaceTool struct {
	fileToolBase
}

func NewStrReplaceTool(cfg FileToolConfig) *StrReplaceTool {
	return &StrReplaceTool{fileToolBase{cfg.Workspace, cfg.Restrict, cfg.Sandbox}}
}

func (t *StrReplaceTool) Name() string { return "str_replace" }

func (t *StrReplaceTool) Description() string {
	return "Replace a unique occurrence of old_str in a file with new_str. Fails when old_str is missing or ambiguous."
}

func (t *StrReplaceTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, relative to the workspace",
			},
			"old_str": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace (must occur exactly once)",
			},
			"new_str": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_str", "new_str"},
	}
}

func (t *StrReplaceTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "str-replace",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path", Required: true},
			{Param: "old_str", NodeType: XMLNodeElement, Path: "old_str", Required: true},
			{Param: "new_str", NodeType: XMLNodeElement, Path: "new_str", Required: true},
		},
		Example: "<str-replace path=\"main.go\"><old_str>foo</old_str><new_str>bar</new_str></str-replace>",
	}
}

func (t *StrReplaceTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_str"].(string)
	newStr, _ := args["new_str"].(string)
	if path == "" || oldStr == "" {
		return ErrorResult("path and old_str are required")
	}

	workspace := t.resolveWorkspace(ctx)
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := t.readFile(ctx, workspace, resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}

	content := string(data)
	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return ErrorResult(fmt.Sprintf("old_str not found in %s", path))
	case n > 1:
		return ErrorResult(fmt.Sprintf("old_str occurs %d times in %s, must be unique", n, path))
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := t.writeFile(ctx, workspace, resolved, []byte(updated)); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return SilentResult(fmt.Sprintf("Replaced text in %s", path))
}

// --- delete_file ---

type DeleteFileTool struct {
	fileToolBase
}

func NewDeleteFileTool(cfg FileToolConfig) *DeleteFileTool {
	return &DeleteFileTool{fileToolBase{cfg.Workspace, cfg.Restrict, cfg.Sandbox}}
}

func (t *DeleteFileTool) Name() string { return "delete_file" }

func (t *DeleteFileTool) Description() string {
	return "Delete a single file from the project workspace. Directories are not removed."
}

func (t *DeleteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, relative to the workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFileTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "delete-file",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path", Required: true},
		},
		Example: `<delete-file path="tmp/scratch.txt"></delete-file>`,
	}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	workspace := t.resolveWorkspace(ctx)
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if sb := t.sandboxFor(ctx, workspace); sb != nil {
		res, execErr := sb.Exec(ctx, []string{"rm", "--", containerPath(workspace, resolved)}, "/workspace")
		if execErr != nil {
			return ErrorResult(fmt.Sprintf("delete %s: %v", path, execErr))
		}
		if res.ExitCode != 0 {
			return ErrorResult(fmt.Sprintf("delete %s: %s", path, strings.TrimSpace(res.Stderr)))
		}
		return SilentResult(fmt.Sprintf("Deleted %s", path))
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("delete %s: %v", path, err))
	}
	if info.IsDir() {
		return ErrorResult(fmt.Sprintf("%s is a directory", path))
	}
	if err := os.Remove(resolved); err != nil {
		return ErrorResult(fmt.Sprintf("delete %s: %v", path, err))
	}
	return SilentResult(fmt.Sprintf("Deleted %s", path))
}

// --- list_dir ---

type ListDirTool struct {
	fileToolBase
}

func NewListDirTool(cfg FileToolConfig) *ListDirTool {
	return &ListDirTool{fileToolBase{cfg.Workspace, cfg.Restrict, cfg.Sandbox}}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory with sizes and modification times."
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path, relative to the workspace. Defaults to the workspace root.",
			},
		},
	}
}

func (t *ListDirTool) XMLSpec() *XMLSpec {
	return &XMLSpec{
		Tag: "list-dir",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path"},
		},
		Example: `<list-dir path="src"></list-dir>`,
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	workspace := t.resolveWorkspace(ctx)
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if sb := t.sandboxFor(ctx, workspace); sb != nil {
		res, execErr := sb.Exec(ctx, []string{"ls", "-la", "--", containerPath(workspace, resolved)}, "/workspace")
		if execErr != nil {
			return ErrorResult(fmt.Sprintf("list %s: %v", path, execErr))
		}
		if res.ExitCode != 0 {
			return ErrorResult(fmt.Sprintf("list %s: %s", path, strings.TrimSpace(res.Stderr)))
		}
		return SilentResult(res.Stdout)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d entries)\n", path, len(entries))
	for _, e := range entries {
		info, infoErr := e.Info()
		if infoErr != nil {
			fmt.Fprintf(&sb, "  %s\n", e.Name())
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&sb, "  %-40s %8d  %s\n", name, info.Size(), info.ModTime().Format(time.DateTime))
	}
	return SilentResult(sb.String())
}
