package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAllCategoriesLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Config{Level: "debug", Format: "json", Dir: dir}))
	t.Cleanup(CloseAll)

	for _, cat := range AllCategories {
		Get(cat).Infof("hello from %s", cat)
	}
	Sync()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, e := range entries {
		for _, cat := range AllCategories {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range AllCategories {
		assert.True(t, found[string(cat)], "missing log file for %s", cat)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+"_authz.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from authz")
}

func TestDisabledCategoryIsNoop(t *testing.T) {
	require.NoError(t, Initialize(Config{
		Level:      "info",
		Categories: map[string]bool{"mcp": false},
	}))
	t.Cleanup(CloseAll)

	assert.False(t, IsCategoryEnabled(CategoryMCP))
	assert.True(t, IsCategoryEnabled(CategoryAuthz))
	assert.True(t, IsCategoryEnabled(CategoryStore), "unlisted categories default to enabled")
	assert.Same(t, nopSugared, Get(CategoryMCP))
}

func TestInitializeRejectsUnknownLevel(t *testing.T) {
	err := Initialize(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestUseLoggerNamesCategories(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	UseLogger(zap.New(core))
	t.Cleanup(CloseAll)

	Incident("step %s done", "isolate")
	GuardianWarn("cpu above %d", 90)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "incident", entries[0].LoggerName)
	assert.Equal(t, "step isolate done", entries[0].Message)
	assert.Equal(t, "guardian", entries[1].LoggerName)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestTimerThreshold(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	UseLogger(zap.New(core))
	t.Cleanup(CloseAll)

	timer := StartTimer(CategoryStore, "slow-op")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Millisecond)

	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	require.Equal(t, 1, logs.FilterMessage("slow operation").Len())
}
