package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/venzel/stepflow/internal/isolation"
	"github.com/venzel/stepflow/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem tools.
type FSConfig struct {
	Limits      isolation.ResourceLimits
	MaxReadSize int64
}

// FSTools returns the filesystem tools. All paths are validated against
// the configured limits before touching the disk.
func FSTools(cfg FSConfig) []Tool {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Tool{
		&fsReadTool{cfg: cfg},
		&fsWriteTool{cfg: cfg},
		&fsListTool{cfg: cfg},
	}
}

// absPath resolves a path to absolute.
func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", path, err)
	}
	return abs, nil
}

// isBinary reports whether data looks binary (null byte heuristic).
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}

// listEntry builds one fs.list result entry.
func listEntry(name, path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"name":        name,
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
	}
}

// --- JSON Schemas ---

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

const fsReadOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "encoding": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "append": {"type": "boolean", "default": false},
    "create_dirs": {"type": "boolean", "default": false},
    "mode": {"type": "integer", "default": 420}
  },
  "required": ["path", "content"]
}`

const fsWriteOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

const fsListInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsListOutputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "path": {"type": "string"},
          "size": {"type": "integer"},
          "modified_at": {"type": "string"},
          "is_dir": {"type": "boolean"}
        }
      }
    }
  }
}`

// --- fs.read ---

type fsReadTool struct{ cfg FSConfig }

func (a *fsReadTool) Name() string { return "fs.read" }

func (a *fsReadTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Read the contents of a file",
		InputSchema:  json.RawMessage(fsReadInputSchema),
		OutputSchema: json.RawMessage(fsReadOutputSchema),
	}
}

func (a *fsReadTool) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.read: missing required param 'path'")
	}
	enc := stringParam(params, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return schema.NewErrorf(schema.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}
	return nil
}

func (a *fsReadTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Limits.ValidatePath(path, isolation.PathAccessRead); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.cfg.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	enc := stringParam(params, "encoding", "auto")
	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return marshalOutput(map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	})
}

// --- fs.write ---

type fsWriteTool struct{ cfg FSConfig }

func (a *fsWriteTool) Name() string { return "fs.write" }

func (a *fsWriteTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Write or append content to a file",
		InputSchema:  json.RawMessage(fsWriteInputSchema),
		OutputSchema: json.RawMessage(fsWriteOutputSchema),
	}
}

func (a *fsWriteTool) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'path'")
	}
	if _, ok := params["content"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'content'")
	}
	return nil
}

func (a *fsWriteTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Limits.ValidatePath(path, isolation.PathAccessWrite); err != nil {
		return nil, err
	}

	content := stringParam(params, "content", "")
	fileMode := os.FileMode(intParam(params, "mode", 0o644))

	if boolParam(params, "create_dirs", false) {
		dir := filepath.Dir(path)
		if err := a.cfg.Limits.ValidatePath(dir, isolation.PathAccessWrite); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	if boolParam(params, "append", false) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: %v", err).WithCause(err)
		}
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: failed to append: %v", err).WithCause(err)
		}
		f.Close()

		info, err := os.Stat(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: failed to stat after append: %v", err).WithCause(err)
		}
		return marshalOutput(map[string]any{"path": path, "size": info.Size()})
	}

	data := []byte(content)
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: %v", err).WithCause(err)
	}

	return marshalOutput(map[string]any{"path": path, "size": len(data)})
}

// --- fs.list ---

type fsListTool struct{ cfg FSConfig }

func (a *fsListTool) Name() string { return "fs.list" }

func (a *fsListTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "List files and directories, optionally filtered by glob pattern",
		InputSchema:  json.RawMessage(fsListInputSchema),
		OutputSchema: json.RawMessage(fsListOutputSchema),
	}
}

func (a *fsListTool) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.list: missing required param 'path'")
	}
	return nil
}

func (a *fsListTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Limits.ValidatePath(path, isolation.PathAccessRead); err != nil {
		return nil, err
	}

	pattern := stringParam(params, "pattern", "")
	recursive := boolParam(params, "recursive", false)

	var entries []map[string]any

	switch {
	case recursive:
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == path {
				return nil
			}
			if pattern != "" {
				matched, matchErr := filepath.Match(pattern, d.Name())
				if matchErr != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, matchErr)
				}
				if !matched {
					return nil
				}
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			entries = append(entries, listEntry(d.Name(), p, info))
			return nil
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.list: %v", err).WithCause(err)
		}

	case pattern != "":
		matches, globErr := filepath.Glob(filepath.Join(path, pattern))
		if globErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, globErr)
		}
		for _, m := range matches {
			info, infoErr := os.Stat(m)
			if infoErr != nil {
				continue
			}
			entries = append(entries, listEntry(filepath.Base(m), m, info))
		}

	default:
		dirEntries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.list: %v", readErr).WithCause(readErr)
		}
		for _, d := range dirEntries {
			info, infoErr := d.Info()
			if infoErr != nil {
				continue
			}
			entries = append(entries, listEntry(d.Name(), filepath.Join(path, d.Name()), info))
		}
	}

	if entries == nil {
		entries = []map[string]any{}
	}

	return marshalOutput(map[string]any{
		"path":    path,
		"entries": entries,
	})
}
