package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venzel/stepflow/internal/isolation"
	"github.com/venzel/stepflow/pkg/schema"
)

// --- test helpers ---

func newFSTestConfig(t *testing.T) (FSConfig, string) {
	t.Helper()
	dir := t.TempDir()
	return FSConfig{
		Limits: isolation.ResourceLimits{
			WritablePaths: []string{dir},
			ReadOnlyPaths: []string{dir},
		},
		MaxReadSize: 1024 * 1024, // 1MB for tests
	}, dir
}

func newFSRestrictedConfig(t *testing.T) (FSConfig, string, string) {
	t.Helper()
	allowed := t.TempDir()
	denied := t.TempDir()
	return FSConfig{
		Limits: isolation.ResourceLimits{
			WritablePaths: []string{allowed},
			ReadOnlyPaths: []string{allowed},
			DenyPaths:     []string{denied},
		},
	}, allowed, denied
}

func findFSTool(cfg FSConfig, name string) Tool {
	for _, tool := range FSTools(cfg) {
		if tool.Name() == name {
			return tool
		}
	}
	return nil
}

func execFS(t *testing.T, cfg FSConfig, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	tool := findFSTool(cfg, name)
	require.NotNil(t, tool, "tool %s not found", name)
	out, err := tool.Execute(context.Background(), ToolInput{Params: params})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result, nil
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func requireFlowError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr), "expected FlowError, got %T: %v", err, err)
	assert.Equal(t, expectedCode, flowErr.Code)
}

// --- FSTools factory ---

func TestFSTools_Count(t *testing.T) {
	cfg, _ := newFSTestConfig(t)
	all := FSTools(cfg)
	assert.Len(t, all, 3)

	names := make([]string, len(all))
	for i, tool := range all {
		names[i] = tool.Name()
	}
	assert.Contains(t, names, "fs.read")
	assert.Contains(t, names, "fs.write")
	assert.Contains(t, names, "fs.list")
}

func TestFSTools_DefaultMaxReadSize(t *testing.T) {
	all := FSTools(FSConfig{})
	// Zero MaxReadSize falls back to the internal default.
	assert.Len(t, all, 3)
}

// --- fs.read tests ---

func TestFSRead_TextFile(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "hello.txt")
	writeTestFile(t, path, "hello world")

	result, err := execFS(t, cfg, "fs.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result["content"])
	assert.Equal(t, "text", result["encoding"])
	assert.Equal(t, float64(11), result["size"])
	assert.Equal(t, path, result["path"])
}

func TestFSRead_Base64Encoding(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "data.bin")
	writeTestFile(t, path, "hello")

	result, err := execFS(t, cfg, "fs.read", map[string]any{
		"path":     path,
		"encoding": "base64",
	})
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), result["content"])
	assert.Equal(t, "base64", result["encoding"])
}

func TestFSRead_AutoDetectsBinary(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "blob.bin")
	raw := []byte{0x00, 0x01, 0x02, 'a', 'b'}
	require.NoError(t, os.WriteFile(path, raw, 0644))

	result, err := execFS(t, cfg, "fs.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "base64", result["encoding"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), result["content"])
}

func TestFSRead_SizeLimit(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	cfg.MaxReadSize = 5
	path := filepath.Join(dir, "big.txt")
	writeTestFile(t, path, "hello world")

	result, err := execFS(t, cfg, "fs.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["content"])
	assert.Equal(t, float64(5), result["size"])
}

func TestFSRead_MissingFile(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	_, err := execFS(t, cfg, "fs.read", map[string]any{
		"path": filepath.Join(dir, "nope.txt"),
	})
	requireFlowError(t, err, schema.ErrCodeStepExecution)
}

func TestFSRead_DeniedPath(t *testing.T) {
	cfg, _, denied := newFSRestrictedConfig(t)
	path := filepath.Join(denied, "secret.txt")
	writeTestFile(t, path, "secret")

	_, err := execFS(t, cfg, "fs.read", map[string]any{"path": path})
	requireFlowError(t, err, schema.ErrCodePathDenied)
}

func TestFSRead_OutsideAllowedPaths(t *testing.T) {
	cfg, _ := newFSTestConfig(t)
	other := t.TempDir()
	path := filepath.Join(other, "out.txt")
	writeTestFile(t, path, "outside")

	_, err := execFS(t, cfg, "fs.read", map[string]any{"path": path})
	requireFlowError(t, err, schema.ErrCodePathDenied)
}

func TestFSRead_Validate_MissingPath(t *testing.T) {
	cfg, _ := newFSTestConfig(t)
	tool := findFSTool(cfg, "fs.read")
	require.NotNil(t, tool)
	requireFlowError(t, tool.Validate(map[string]any{}), schema.ErrCodeValidation)
}

func TestFSRead_Validate_InvalidEncoding(t *testing.T) {
	cfg, _ := newFSTestConfig(t)
	tool := findFSTool(cfg, "fs.read")
	require.NotNil(t, tool)
	requireFlowError(t, tool.Validate(map[string]any{
		"path":     "/tmp/x",
		"encoding": "hex",
	}), schema.ErrCodeValidation)
}

// --- fs.write tests ---

func TestFSWrite_CreatesFile(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "out.txt")

	result, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "written content",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(15), result["size"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written content", string(data))
}

func TestFSWrite_Overwrites(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "out.txt")
	writeTestFile(t, path, "old content that is longer")

	_, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "new",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFSWrite_Append(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "log.txt")

	_, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "line one\n",
		"append":  true,
	})
	require.NoError(t, err)

	result, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "line two\n",
		"append":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(18), result["size"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestFSWrite_CreateDirs(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "a", "b", "c.txt")

	_, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":        path,
		"content":     "nested",
		"create_dirs": true,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestFSWrite_NoCreateDirs(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "missing", "c.txt")

	_, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "nested",
	})
	requireFlowError(t, err, schema.ErrCodeStepExecution)
}

func TestFSWrite_CustomMode(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	path := filepath.Join(dir, "priv.txt")

	_, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "private",
		"mode":    0o600,
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFSWrite_DeniedPath(t *testing.T) {
	cfg, _, denied := newFSRestrictedConfig(t)
	_, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    filepath.Join(denied, "x.txt"),
		"content": "nope",
	})
	requireFlowError(t, err, schema.ErrCodePathDenied)
}

func TestFSWrite_ReadOnlyPath(t *testing.T) {
	readonly := t.TempDir()
	cfg := FSConfig{
		Limits: isolation.ResourceLimits{
			ReadOnlyPaths: []string{readonly},
			// No writable paths at all.
			WritablePaths: []string{t.TempDir()},
		},
	}

	_, err := execFS(t, cfg, "fs.write", map[string]any{
		"path":    filepath.Join(readonly, "x.txt"),
		"content": "nope",
	})
	requireFlowError(t, err, schema.ErrCodePathDenied)
}

func TestFSWrite_Validate_MissingContent(t *testing.T) {
	cfg, _ := newFSTestConfig(t)
	tool := findFSTool(cfg, "fs.write")
	require.NotNil(t, tool)
	requireFlowError(t, tool.Validate(map[string]any{"path": "/tmp/x"}), schema.ErrCodeValidation)
}

// --- fs.list tests ---

func TestFSList_Flat(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	writeTestFile(t, filepath.Join(dir, "a.txt"), "a")
	writeTestFile(t, filepath.Join(dir, "b.txt"), "bb")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	result, err := execFS(t, cfg, "fs.list", map[string]any{"path": dir})
	require.NoError(t, err)

	entries, ok := result["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 3)

	first, ok := entries[0].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, first["name"])
	assert.NotEmpty(t, first["path"])
	assert.NotEmpty(t, first["modified_at"])
}

func TestFSList_Pattern(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	writeTestFile(t, filepath.Join(dir, "a.txt"), "a")
	writeTestFile(t, filepath.Join(dir, "b.log"), "b")

	result, err := execFS(t, cfg, "fs.list", map[string]any{
		"path":    dir,
		"pattern": "*.txt",
	})
	require.NoError(t, err)

	entries, ok := result["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)

	entry := entries[0].(map[string]any)
	assert.Equal(t, "a.txt", entry["name"])
}

func TestFSList_Recursive(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	writeTestFile(t, filepath.Join(dir, "top.txt"), "t")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	writeTestFile(t, filepath.Join(dir, "sub", "inner.txt"), "i")

	result, err := execFS(t, cfg, "fs.list", map[string]any{
		"path":      dir,
		"recursive": true,
	})
	require.NoError(t, err)

	entries, ok := result["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 3) // top.txt, sub, sub/inner.txt
}

func TestFSList_RecursivePattern(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	writeTestFile(t, filepath.Join(dir, "top.txt"), "t")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	writeTestFile(t, filepath.Join(dir, "sub", "inner.txt"), "i")
	writeTestFile(t, filepath.Join(dir, "sub", "skip.log"), "s")

	result, err := execFS(t, cfg, "fs.list", map[string]any{
		"path":      dir,
		"recursive": true,
		"pattern":   "*.txt",
	})
	require.NoError(t, err)

	entries, ok := result["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 2)
}

func TestFSList_EmptyDir(t *testing.T) {
	cfg, dir := newFSTestConfig(t)

	result, err := execFS(t, cfg, "fs.list", map[string]any{"path": dir})
	require.NoError(t, err)

	entries, ok := result["entries"].([]any)
	require.True(t, ok)
	assert.Empty(t, entries)
}

func TestFSList_DeniedPath(t *testing.T) {
	cfg, _, denied := newFSRestrictedConfig(t)
	_, err := execFS(t, cfg, "fs.list", map[string]any{"path": denied})
	requireFlowError(t, err, schema.ErrCodePathDenied)
}

func TestFSList_MissingDir(t *testing.T) {
	cfg, dir := newFSTestConfig(t)
	_, err := execFS(t, cfg, "fs.list", map[string]any{
		"path": filepath.Join(dir, "ghost"),
	})
	requireFlowError(t, err, schema.ErrCodeStepExecution)
}

func TestFSList_Validate_MissingPath(t *testing.T) {
	cfg, _ := newFSTestConfig(t)
	tool := findFSTool(cfg, "fs.list")
	require.NotNil(t, tool)
	requireFlowError(t, tool.Validate(map[string]any{}), schema.ErrCodeValidation)
}
