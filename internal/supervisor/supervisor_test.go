package supervisor

import (
	"bytes"
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartAndStopGraceful(t *testing.T) {
	sup := New(nil)
	defer sup.Close()

	var buf bytes.Buffer
	rec, err := sup.Start(context.Background(), ProcessSpec{
		Name:    "sleeper",
		Command: "sleep",
		Args:    []string{"30"},
		LogSink: &buf,
	})
	require.NoError(t, err)
	require.Greater(t, rec.PID, 0)

	err = sup.Stop("sleeper", false, 2*time.Second)
	require.NoError(t, err)

	got, ok := sup.Get("sleeper")
	require.True(t, ok)
	require.Equal(t, StatusStopped, got.Status)
}

func TestStopUnknownIsNotError(t *testing.T) {
	sup := New(nil)
	defer sup.Close()
	require.NoError(t, sup.Stop("nope", false, time.Second))
}

func TestLivenessSweepDetectsExternalDeath(t *testing.T) {
	var mu sync.Mutex
	var diedName string
	sup := New(func(name string) {
		mu.Lock()
		diedName = name
		mu.Unlock()
	})
	sup.sweepInterval = 50 * time.Millisecond
	defer sup.Close()

	rec, err := sup.Start(context.Background(), ProcessSpec{
		Name:    "short",
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
	})
	require.NoError(t, err)
	_ = rec

	require.Eventually(t, func() bool {
		got, ok := sup.Get("short")
		return ok && got.Status == StatusStopped
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return diedName == "short"
	}, 3*time.Second, 20*time.Millisecond, "the death callback must fire for a process that exited on its own")
}

func TestStopAllParallel(t *testing.T) {
	sup := New(nil)
	defer sup.Close()

	for _, n := range []string{"a", "b", "c"} {
		_, err := sup.Start(context.Background(), ProcessSpec{
			Name: n, Command: "sleep", Args: []string{"30"},
		})
		require.NoError(t, err)
	}

	errs := sup.StopAll(context.Background(), 5*time.Second)
	require.Empty(t, errs)
}

func TestStopForceKillsDescendantsThatLeftTheProcessGroup(t *testing.T) {
	sup := New(nil)
	defer sup.Close()

	// setsid detaches the backgrounded sleep into its own session, so a
	// plain process-group signal to the sh PID would miss it; only walking
	// /proc's children links finds it.
	rec, err := sup.Start(context.Background(), ProcessSpec{
		Name:    "tree",
		Command: "sh",
		Args:    []string{"-c", "setsid sleep 30 & sleep 30"},
	})
	require.NoError(t, err)

	var descendants []int
	require.Eventually(t, func() bool {
		descendants, err = collectDescendants(rec.PID)
		return err == nil && len(descendants) > 0
	}, 2*time.Second, 20*time.Millisecond, "sh's backgrounded sleep must be discoverable as a descendant")

	require.NoError(t, sup.Stop("tree", true, time.Second))

	for _, pid := range descendants {
		pid := pid
		require.Eventually(t, func() bool {
			return syscall.Kill(pid, 0) != nil
		}, 2*time.Second, 20*time.Millisecond, "descendant %d must be dead after a forced stop", pid)
	}
}
