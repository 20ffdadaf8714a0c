package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/selfevolve/dispatchcore/internal/dispatch"
)

func writeConfig(t *testing.T, path string, maxAttempts int) {
	t.Helper()
	content := fmt.Sprintf(`
dispatch:
  stream_name: DISPATCH
  consumer_prefix: dispatch-core
  queues:
    - logical_name: job_requests
      message_type: code_execution_request
      result_queue_name: job_results
      handler_name: job-executor
      max_attempts: %d
      timeout: 30s
      initial_backoff: 1s
      backoff_multiplier: 2.0
      backoff_cap: 30s
  pool:
    workers: 4
    batch_size: 8
    poll_interval_ms: 1000
    visibility_seconds: 60
`, maxAttempts)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWatcherReloadsPolicyOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatchd.yaml")
	writeConfig(t, path, 3)

	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := make(chan int, 4)
	go w.Run(ctx, func(queues []dispatch.QueueConfig) error {
		for _, q := range queues {
			if q.LogicalName == "job_requests" {
				seen <- q.MaxAttempts
			}
		}
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, 9)

	select {
	case attempts := <-seen:
		require.Equal(t, 9, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for policy reload")
	}
}

func TestWatcherIgnoresInvalidConfigOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatchd.yaml")
	writeConfig(t, path, 3)

	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	calls := make(chan struct{}, 4)
	go w.Run(ctx, func(queues []dispatch.QueueConfig) error {
		calls <- struct{}{}
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  pool:\n    workers: 0\n"), 0644))

	select {
	case <-calls:
		t.Fatal("reload callback should not fire for an invalid config")
	case <-time.After(600 * time.Millisecond):
	}
}
