package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestRun_Success(t *testing.T) {
	script := writeScript(t, `echo "sending $GADGET_TRANSFER_FILE"; echo oops >&2`)

	res, err := NewRunner().Run(context.Background(), Spec{
		Name:    "ok",
		Binary:  script,
		Env:     []string{"GADGET_TRANSFER_FILE=a.prg"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "sending a.prg") {
		t.Errorf("Stdout = %q, want it to contain %q", res.Stdout, "sending a.prg")
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, "oops")
	}
	if res.PID == 0 {
		t.Error("PID = 0, want non-zero")
	}
}

func TestRun_Args(t *testing.T) {
	script := writeScript(t, `echo "$1-$2"`)

	res, err := NewRunner().Run(context.Background(), Spec{Binary: script, Args: []string{"x", "y"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "x-y" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "x-y")
	}
}

func TestRun_WorkDir(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `pwd`)

	res, err := NewRunner().Run(context.Background(), Spec{Binary: script, WorkDir: dir})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	if got != want {
		t.Errorf("working directory = %q, want %q", got, want)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	script := writeScript(t, `exit 3`)

	res, err := NewRunner().Run(context.Background(), Spec{Binary: script, Timeout: 5 * time.Second})
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("Run() error = %v, want ErrNonZeroExit", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRun_Timeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	start := time.Now()
	res, err := NewRunner().Run(context.Background(), Spec{
		Binary:      script,
		Timeout:     100 * time.Millisecond,
		GracePeriod: time.Second,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v, want well under the sleep duration", elapsed)
	}
}

func TestRun_TimeoutEscalatesToSIGKILL(t *testing.T) {
	script := writeScript(t, `trap '' TERM; while true; do sleep 1; done`)

	start := time.Now()
	res, err := NewRunner().Run(context.Background(), Spec{
		Binary:      script,
		Timeout:     100 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if !res.Killed {
		t.Error("Killed = false, want true for a script ignoring SIGTERM")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v, want SIGKILL shortly after the grace period", elapsed)
	}
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	// The background sleep inherits stdout; Run only returns promptly if
	// the whole group is signalled.
	script := writeScript(t, `sleep 30 & wait`)

	start := time.Now()
	_, err := NewRunner().Run(context.Background(), Spec{
		Binary:      script,
		Timeout:     100 * time.Millisecond,
		GracePeriod: 500 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v, want group termination", elapsed)
	}
}

func TestRun_Canceled(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := NewRunner().Run(ctx, Spec{Binary: script, Timeout: time.Minute, GracePeriod: time.Second})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Run() error = %v, want ErrCanceled", err)
	}
	if res.TimedOut {
		t.Error("TimedOut = true, want false for caller cancellation")
	}
}

func TestRun_StartFailures(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{name: "empty binary", spec: Spec{}, want: ErrInvalidSpec},
		{name: "missing binary", spec: Spec{Binary: "/nonexistent/transfer.sh"}, want: ErrStartFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner().Run(context.Background(), tt.spec)
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)

	n, err := b.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	n, err = b.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = %d, %v, want all bytes reported written", n, err)
	}

	if got := b.String(); got != "abcde...[truncated]" {
		t.Errorf("String() = %q, want %q", got, "abcde...[truncated]")
	}
}
