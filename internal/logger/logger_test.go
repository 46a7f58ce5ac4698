package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFlattenFieldsIsSorted(t *testing.T) {
	got := flattenFields(map[string]interface{}{"unit": "data/com.example", "inode": 12, "path": "a"})
	assert.Equal(t, []interface{}{"inode", 12, "path", "a", "unit", "data/com.example"}, got)
	assert.Empty(t, flattenFields(nil))
}

func TestDefaultLoggerIsNop(t *testing.T) {
	assert.NotPanics(t, func() {
		LogInfo("discarded", nil)
		LogError("discarded", errors.New("boom"), map[string]interface{}{"k": "v"})
	})
}

func TestLogHelpersWriteFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	t.Cleanup(func() { Logger = prev })

	LogWarn("entity skipped", map[string]interface{}{"path": "cache/x"})
	LogError("unit failed", errors.New("disk full"), nil)
	LogDebug("visiting", map[string]interface{}{"inode": 12})

	entries := logs.AllUntimed()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, "entity skipped", entries[0].Message)
		assert.Equal(t, "cache/x", entries[0].ContextMap()["path"])
		assert.Equal(t, "disk full", entries[1].ContextMap()["error"])
		assert.EqualValues(t, 12, entries[2].ContextMap()["inode"])
	}
}

func TestInitLoggerJSON(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	file := t.TempDir() + "/logs/run.log"
	err := InitLogger(LoggerConfig{LogFormat: "json", LogFile: file, Debug: true})
	assert.NoError(t, err)
	assert.True(t, Logger.Desugar().Core().Enabled(zap.DebugLevel))
}
