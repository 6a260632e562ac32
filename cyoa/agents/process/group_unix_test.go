//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processGone reports whether pid no longer runs. Zombies awaiting a reaper count as gone.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return errors.Is(err, syscall.ESRCH)
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

// TestServer_FailedStartReapsForkedWorkers tests that a server exiting before
// readiness does not leave its forked workers running.
func TestServer_FailedStartReapsForkedWorkers(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "worker.pid")
	script := filepath.Join(dir, "fake-vllm")
	body := "#!/bin/sh\nsleep 30 &\necho $! > " + pidFile + "\nexit 1\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	cfg := testConfig()
	cfg.Command = script
	cfg.ReadyTimeout = 5 * time.Second
	cfg.StopTimeout = 2 * time.Second
	srv := NewServer(cfg, NewExecLauncher(), zerolog.Nop(), WithProbe(neverReady()), portFree())

	_, err := srv.Start(context.Background())
	require.ErrorIs(t, err, ErrProcessExited)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	worker, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Kill(worker, syscall.SIGKILL) })

	assert.Eventually(t, func() bool { return processGone(worker) }, 2*time.Second, 20*time.Millisecond,
		"worker %d outlived the failed start", worker)

	require.NoError(t, srv.Stop(context.Background()))
}
