package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	c := &DaemonCommand{}
	require.NoError(t, c.ApplyDefaults())
	assert.Equal(t, "Asia/Tokyo", c.SchedulerTimezone)
	assert.Equal(t, 60, c.SchedulerPollSeconds)
	assert.True(t, c.SchedulerEnabled)
}

func TestPollSecondsIsClamped(t *testing.T) {
	c := &DaemonCommand{SchedulerPollSeconds: 1}
	assert.Equal(t, 10, c.PollSeconds())

	c.SchedulerPollSeconds = 10_000
	assert.Equal(t, 300, c.PollSeconds())
}

func TestLockPath_DefaultsAlongsideDatabase(t *testing.T) {
	c := &DaemonCommand{DatabaseURL: "/var/lib/taskrelay/taskrelay.db"}
	assert.Equal(t, "/var/lib/taskrelay/scheduler.lock", c.LockPath())

	c.SchedulerLockPath = "/custom/path.lock"
	assert.Equal(t, "/custom/path.lock", c.LockPath())
}

func TestLockPath_FallsBackForMemoryDatabase(t *testing.T) {
	c := &DaemonCommand{DatabaseURL: ":memory:"}
	assert.Equal(t, "./scheduler.lock", c.LockPath())
}

func TestLockStaleDuration(t *testing.T) {
	c := &DaemonCommand{}
	assert.Equal(t, time.Duration(0), c.LockStaleDuration())

	c.SchedulerLockStaleSeconds = 30
	assert.Equal(t, 30*time.Second, c.LockStaleDuration())
}

func TestLoadINI_OverlaysUnsetFieldsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.ini")
	content := "[scheduler]\ntimezone = America/New_York\npoll-seconds = 120\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c := &DaemonCommand{SchedulerTimezone: "Asia/Tokyo"} // already set by a CLI flag
	require.NoError(t, c.LoadINI(path))

	assert.Equal(t, "Asia/Tokyo", c.SchedulerTimezone, "explicit flag value must win over the file")
	assert.Equal(t, 120, c.SchedulerPollSeconds, "unset field is overlaid from the file")
}

func TestLoadINI_MissingFileIsANoOp(t *testing.T) {
	c := &DaemonCommand{}
	assert.NoError(t, c.LoadINI(""))
}

func TestLocation_RejectsUnknownTimezone(t *testing.T) {
	c := &DaemonCommand{SchedulerTimezone: "Not/AZone"}
	_, err := c.Location()
	assert.Error(t, err)
}
