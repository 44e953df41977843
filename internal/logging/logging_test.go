package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "prod", "debug")
	l.WithField("tenant", "t1").Info("sync finished")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "t1", entry["tenant"])
	assert.Equal(t, "sync finished", entry["msg"])
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "dev", "nonsense")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	l.Debug("hidden")
	assert.Empty(t, buf.String())
}
