// Package handlers contains the built-in capabilities: workspace file
// operations, command execution and sandboxed Starlark evaluation.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/tools"
	"github.com/mfateev/sandbox-agent/internal/workspace"
)

// MaxReadBytes caps the size of a file returned by read_file (1 MiB).
const MaxReadBytes = 1 << 20

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// fileTool carries what every workspace file capability needs.
type fileTool struct {
	guard  *workspace.Guard
	logger *zap.Logger
}

func newFileTool(guard *workspace.Guard, logger *zap.Logger) fileTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return fileTool{guard: guard, logger: logger}
}

// Kind returns ToolKindWorkspace.
func (fileTool) Kind() tools.ToolKind { return tools.ToolKindWorkspace }

// resolve confines p to the workspace. Rejections are validation errors so
// the registry reports them without any filesystem access having happened.
func (t fileTool) resolve(p string) (string, error) {
	abs, err := t.guard.Resolve(p)
	if err != nil {
		return "", tools.WrapValidationError(err)
	}
	return abs, nil
}

type nameArgs struct {
	Name string `json:"name"`
}

func (a *nameArgs) Validate() error { return tools.RequireString("name", a.Name) }

// NewFileTools returns every workspace file capability bound to guard.
func NewFileTools(guard *workspace.Guard, logger *zap.Logger) []tools.ToolHandler {
	base := newFileTool(guard, logger)
	return []tools.ToolHandler{
		&CreateFolderTool{base},
		&CreateFileTool{base},
		&EditFileTool{base},
		&ReadFileTool{base},
		&DeleteFileTool{base},
		&CheckFileExistsTool{base},
		&ListFilesTool{base},
	}
}

// ---------------------------------------------------------------------------
// create_folder
// ---------------------------------------------------------------------------

// CreateFolderTool creates a directory (and its parents).
type CreateFolderTool struct{ fileTool }

func (t *CreateFolderTool) Name() string { return "create_folder" }

func (t *CreateFolderTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Create a folder in the workspace",
		Parameters:  []tools.ToolParameter{{Name: "name", Type: "str", Description: "Folder path relative to the workspace", Required: true}},
	}
}

func (t *CreateFolderTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *CreateFolderTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args nameArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	path, err := t.resolve(args.Name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return tools.NewFailure("Failed to create folder %s: %v", args.Name, err), nil
	}
	rel := t.guard.Rel(path)
	t.logger.Info("created folder", zap.String("path", rel))
	return tools.NewSuccess("Folder created: "+rel, map[string]string{"path": rel}), nil
}

// ---------------------------------------------------------------------------
// create_file
// ---------------------------------------------------------------------------

// CreateFileTool writes a file, creating parent directories as needed. An
// existing file is overwritten.
type CreateFileTool struct{ fileTool }

type createFileArgs struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (a *createFileArgs) Validate() error { return tools.RequireString("name", a.Name) }

func (t *CreateFileTool) Name() string { return "create_file" }

func (t *CreateFileTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Create a file with content",
		Parameters: []tools.ToolParameter{
			{Name: "name", Type: "str", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "str", Description: "Full file content"},
		},
	}
}

func (t *CreateFileTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *CreateFileTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args createFileArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	path, err := t.resolve(args.Name)
	if err != nil {
		return nil, err
	}
	if path == t.guard.Root() {
		return nil, tools.NewValidationError("name must refer to a file, not the workspace root")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.NewFailure("Failed to create directory for %s: %v", args.Name, err), nil
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return tools.NewFailure("Failed to write file %s: %v", args.Name, err), nil
	}

	rel := t.guard.Rel(path)
	t.logger.Info("created file", zap.String("path", rel), zap.Int("bytes", len(args.Content)))
	return tools.NewSuccess("File created: "+rel, map[string]interface{}{"path": rel, "size": len(args.Content)}), nil
}

// ---------------------------------------------------------------------------
// edit_file
// ---------------------------------------------------------------------------

// EditFileTool replaces the entire content of an existing file.
type EditFileTool struct{ fileTool }

type editFileArgs struct {
	Name  string `json:"name"`
	Edits string `json:"edits"`
}

func (a *editFileArgs) Validate() error { return tools.RequireString("name", a.Name) }

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Replace the content of an existing file",
		Parameters: []tools.ToolParameter{
			{Name: "name", Type: "str", Description: "File path relative to the workspace", Required: true},
			{Name: "edits", Type: "str", Description: "New full file content", Required: true},
		},
	}
}

func (t *EditFileTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *EditFileTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args editFileArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	path, err := t.resolve(args.Name)
	if err != nil {
		return nil, err
	}
	rel := t.guard.Rel(path)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return tools.NewFailure("File does not exist: %s", rel), nil
	}
	if err != nil {
		return tools.NewFailure("Failed to edit %s: %v", rel, err), nil
	}
	if info.IsDir() {
		return tools.NewFailure("Path is a directory: %s", rel), nil
	}

	if err := os.WriteFile(path, []byte(args.Edits), info.Mode().Perm()); err != nil {
		return tools.NewFailure("Failed to edit %s: %v", rel, err), nil
	}
	t.logger.Info("edited file", zap.String("path", rel), zap.Int("bytes", len(args.Edits)))
	return tools.NewSuccess("File edited: "+rel, map[string]interface{}{"path": rel, "size": len(args.Edits)}), nil
}

// ---------------------------------------------------------------------------
// read_file
// ---------------------------------------------------------------------------

// ReadFileTool returns the content of a file. The output content is exactly
// the file's text.
type ReadFileTool struct{ fileTool }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Read file content",
		Parameters:  []tools.ToolParameter{{Name: "name", Type: "str", Description: "File path relative to the workspace", Required: true}},
	}
}

func (t *ReadFileTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *ReadFileTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args nameArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	path, err := t.resolve(args.Name)
	if err != nil {
		return nil, err
	}
	rel := t.guard.Rel(path)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return tools.NewFailure("File does not exist: %s", rel), nil
	}
	if err != nil {
		return tools.NewFailure("Failed to read %s: %v", rel, err), nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return tools.NewFailure("Failed to read %s: %v", rel, err), nil
	}
	if info.IsDir() {
		return tools.NewFailure("Path is a directory: %s", rel), nil
	}
	if info.Size() > MaxReadBytes {
		return tools.NewFailure("File too large to read: %s (%d bytes, limit %d)", rel, info.Size(), MaxReadBytes), nil
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxReadBytes))
	if err != nil {
		return tools.NewFailure("Failed to read %s: %v", rel, err), nil
	}
	t.logger.Debug("read file", zap.String("path", rel), zap.Int("bytes", len(data)))
	return tools.NewSuccess(string(data), nil), nil
}

// ---------------------------------------------------------------------------
// delete_file
// ---------------------------------------------------------------------------

// DeleteFileTool removes a single file. Directories are refused.
type DeleteFileTool struct{ fileTool }

func (t *DeleteFileTool) Name() string { return "delete_file" }

func (t *DeleteFileTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Delete a file",
		Parameters:  []tools.ToolParameter{{Name: "name", Type: "str", Description: "File path relative to the workspace", Required: true}},
	}
}

func (t *DeleteFileTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *DeleteFileTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args nameArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	path, err := t.resolve(args.Name)
	if err != nil {
		return nil, err
	}
	rel := t.guard.Rel(path)

	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return tools.NewFailure("File does not exist: %s", rel), nil
	}
	if err != nil {
		return tools.NewFailure("Failed to delete %s: %v", rel, err), nil
	}
	if info.IsDir() {
		return tools.NewFailure("Path is a directory: %s", rel), nil
	}

	if err := os.Remove(path); err != nil {
		return tools.NewFailure("Failed to delete %s: %v", rel, err), nil
	}
	t.logger.Info("deleted file", zap.String("path", rel))
	return tools.NewSuccess("File deleted: "+rel, nil), nil
}

// ---------------------------------------------------------------------------
// check_file_exists
// ---------------------------------------------------------------------------

// CheckFileExistsTool reports whether a path exists and what it is.
type CheckFileExistsTool struct{ fileTool }

// PathInfo is the payload of check_file_exists.
type PathInfo struct {
	Path        string `json:"path"`
	Exists      bool   `json:"exists"`
	IsFile      bool   `json:"is_file"`
	IsDirectory bool   `json:"is_directory"`
}

func (t *CheckFileExistsTool) Name() string { return "check_file_exists" }

func (t *CheckFileExistsTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Check if a file or folder exists",
		Parameters:  []tools.ToolParameter{{Name: "name", Type: "str", Description: "Path relative to the workspace", Required: true}},
	}
}

func (t *CheckFileExistsTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *CheckFileExistsTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args nameArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	path, err := t.resolve(args.Name)
	if err != nil {
		return nil, err
	}

	info := PathInfo{Path: t.guard.Rel(path)}
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		info.Exists = true
		info.IsDirectory = fi.IsDir()
		info.IsFile = fi.Mode().IsRegular()
	case !errors.Is(err, os.ErrNotExist):
		return tools.NewFailure("Failed to check %s: %v", info.Path, err), nil
	}

	var msg string
	switch {
	case info.IsDirectory:
		msg = fmt.Sprintf("%s exists (directory)", info.Path)
	case info.Exists:
		msg = fmt.Sprintf("%s exists (file)", info.Path)
	default:
		msg = fmt.Sprintf("%s does not exist", info.Path)
	}
	return tools.NewSuccess(msg, info), nil
}

// ---------------------------------------------------------------------------
// list_files
// ---------------------------------------------------------------------------

// ListFilesTool lists the immediate children of a directory.
type ListFilesTool struct{ fileTool }

type listFilesArgs struct {
	Directory string `json:"directory"`
}

// DirEntry is one item in the list_files payload.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size *int64 `json:"size,omitempty"`
}

// DirListing is the payload of list_files.
type DirListing struct {
	Directory string     `json:"directory"`
	Items     []DirEntry `json:"items"`
	Count     int        `json:"count"`
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "List files in a directory",
		Parameters:  []tools.ToolParameter{{Name: "directory", Type: "str", Description: `Directory relative to the workspace (default ".")`}},
	}
}

func (t *ListFilesTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *ListFilesTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args listFilesArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	if args.Directory == "" {
		args.Directory = "."
	}
	path, err := t.resolve(args.Directory)
	if err != nil {
		return nil, err
	}
	rel := t.guard.Rel(path)

	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return tools.NewFailure("Directory does not exist: %s", rel), nil
	}
	if err != nil {
		return tools.NewFailure("Failed to list %s: %v", rel, err), nil
	}
	if !fi.IsDir() {
		return tools.NewFailure("Path is not a directory: %s", rel), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return tools.NewFailure("Failed to list %s: %v", rel, err), nil
	}

	listing := DirListing{Directory: rel, Items: make([]DirEntry, 0, len(entries))}
	for _, e := range entries {
		item := DirEntry{Name: e.Name(), Type: "file"}
		if e.IsDir() {
			item.Type = "directory"
		} else if info, err := e.Info(); err == nil {
			size := info.Size()
			item.Size = &size
		}
		listing.Items = append(listing.Items, item)
	}
	sort.Slice(listing.Items, func(i, j int) bool { return listing.Items[i].Name < listing.Items[j].Name })
	listing.Count = len(listing.Items)

	return tools.NewSuccess(fmt.Sprintf("%d items in %s", listing.Count, rel), listing), nil
}
