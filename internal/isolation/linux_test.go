//go:build linux

package isolation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControllers(t *testing.T) {
	m := parseControllers("cpuset cpu io memory pids\n")
	assert.True(t, m["cpu"])
	assert.True(t, m["memory"])
	assert.True(t, m["pids"])
	assert.False(t, m["hugetlb"])
}

func TestParseControllers_Empty(t *testing.T) {
	assert.Empty(t, parseControllers(""))
	assert.Empty(t, parseControllers("  \n"))
}

func TestBuildCaps(t *testing.T) {
	caps := buildCaps(map[string]bool{"memory": true, "pids": true})
	assert.True(t, caps.CanLimitMemory)
	assert.False(t, caps.CanLimitCPU)
	assert.True(t, caps.CanLimitNetwork)
	assert.False(t, caps.CanIsolateFS)
	assert.True(t, caps.CanIsolatePID)
}

func TestFormatCPUMax(t *testing.T) {
	assert.Equal(t, "50000 100000", formatCPUMax(50))
	assert.Equal(t, "100000 100000", formatCPUMax(100))
	assert.Equal(t, "max 100000", formatCPUMax(0))
	assert.Equal(t, "max 100000", formatCPUMax(-5))
	assert.Equal(t, "max 100000", formatCPUMax(150))
}

func TestWriteLimit(t *testing.T) {
	tmp := t.TempDir()
	require.NoError(t, writeLimit(tmp, "memory.max", "1048576"))

	data, err := os.ReadFile(filepath.Join(tmp, "memory.max"))
	require.NoError(t, err)
	assert.Equal(t, "1048576", string(data))
}

func TestEnableControllers_WritesWantedOnly(t *testing.T) {
	tmp := t.TempDir()
	available := map[string]bool{"memory": true, "cpu": true, "io": true}
	require.NoError(t, enableControllers(tmp, available))

	data, err := os.ReadFile(filepath.Join(tmp, "cgroup.subtree_control"))
	require.NoError(t, err)
	assert.Equal(t, "+memory +cpu", string(data))
}

func TestEnableControllers_NoneAvailable_NoFile(t *testing.T) {
	tmp := t.TempDir()
	require.NoError(t, enableControllers(tmp, map[string]bool{"io": true}))

	_, err := os.Stat(filepath.Join(tmp, "cgroup.subtree_control"))
	assert.True(t, os.IsNotExist(err))
}
