package applog

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttemptfGatesEarlyAttempts(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), 5)

	for attempt := 1; attempt < 5; attempt++ {
		l.Attemptf(attempt, "read of chunk %d failed", 7)
	}
	assert.Zero(t, buf.Len(), "attempts below min_log_entry must stay silent")

	l.Attemptf(5, "read of chunk %d failed", 7)
	assert.Contains(t, buf.String(), "read of chunk 7 failed")
}

func TestZeroGateLogsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), 0)
	l.Attemptf(1, "first try")
	assert.Contains(t, buf.String(), "first try")
}

func TestLevelsPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), 5)
	l.Infof("a")
	l.Warnf("b")
	l.Errorf("c")
	out := buf.String()
	assert.Contains(t, out, "I: a")
	assert.Contains(t, out, "W: b")
	assert.Contains(t, out, "E: c")
}
