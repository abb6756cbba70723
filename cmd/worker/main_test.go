package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// fakeStart records the options the worker would have started with
type fakeStart struct {
	calls int
	opts  options
	err   error
}

func (f *fakeStart) serve(_ context.Context, opts options, _ io.Writer) error {
	f.calls++
	f.opts = opts
	return f.err
}

func withFakeStart(t *testing.T, err error) *fakeStart {
	t.Helper()
	f := &fakeStart{err: err}
	prev := startWorker
	startWorker = f.serve
	t.Cleanup(func() { startWorker = prev })
	return f
}

func execute(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_InvalidCommandLine(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "port above range",
			args:    []string{"-h", "localhost", "-p", "70000", "-w", "w1", "-q", "r1"},
			wantErr: "invalid --port 70000",
		},
		{
			name:    "port zero",
			args:    []string{"--host", "localhost", "--port", "0", "--workerId", "w1", "--requestId", "r1"},
			wantErr: "invalid --port 0",
		},
		{
			name:    "port not a number",
			args:    []string{"-h", "localhost", "-p", "http", "-w", "w1", "-q", "r1"},
			wantErr: "invalid command line",
		},
		{
			name:    "missing worker id",
			args:    []string{"-h", "localhost", "-p", "7071", "-q", "r1"},
			wantErr: "workerId",
		},
		{
			name:    "unknown flag",
			args:    []string{"-h", "localhost", "-p", "7071", "-w", "w1", "-q", "r1", "--verbose"},
			wantErr: "unknown flag",
		},
		{
			name:    "positional argument",
			args:    []string{"-h", "localhost", "-p", "7071", "-w", "w1", "-q", "r1", "extra"},
			wantErr: "unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := withFakeStart(t, nil)

			code, _, stderr := execute(tt.args...)
			if code != exitUsage {
				t.Fatalf("exit code = %d, want %d", code, exitUsage)
			}
			if !strings.Contains(stderr, tt.wantErr) {
				t.Errorf("stderr should contain %q, got:\n%s", tt.wantErr, stderr)
			}
			if !strings.Contains(stderr, "Usage:") {
				t.Errorf("stderr should contain usage, got:\n%s", stderr)
			}
			if f.calls != 0 {
				t.Errorf("worker started %d times, want 0", f.calls)
			}
		})
	}
}

func TestRun_StartsWorker(t *testing.T) {
	f := withFakeStart(t, nil)

	code, _, _ := execute("-h", "127.0.0.1", "-p", "7071", "-w", "worker-7", "-q", "req-9")
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}
	if f.calls != 1 {
		t.Fatalf("worker started %d times, want 1", f.calls)
	}
	want := options{host: "127.0.0.1", port: 7071, workerID: "worker-7", requestID: "req-9"}
	if f.opts != want {
		t.Errorf("options = %+v, want %+v", f.opts, want)
	}
	if got := f.opts.endpoint(); got != "127.0.0.1:7071" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestRun_FatalErrorExitCode(t *testing.T) {
	withFakeStart(t, errors.New("transport recv: connection reset"))

	code, _, _ := execute("--host", "::1", "--port", "65535", "--workerId", "w", "--requestId", "r")
	if code != exitFatal {
		t.Fatalf("exit code = %d, want %d", code, exitFatal)
	}
}

func TestRun_HelpAndVersion(t *testing.T) {
	f := withFakeStart(t, nil)

	code, stdout, _ := execute("--help")
	if code != exitOK {
		t.Fatalf("--help exit code = %d", code)
	}
	for _, phrase := range []string{"--host", "--port", "--workerId", "--requestId", "WORKER_"} {
		if !strings.Contains(stdout, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}

	code, stdout, _ = execute("--version")
	if code != exitOK {
		t.Fatalf("--version exit code = %d", code)
	}
	if !strings.Contains(stdout, version) {
		t.Errorf("version output %q should contain %q", stdout, version)
	}
	if f.calls != 0 {
		t.Errorf("worker started %d times, want 0", f.calls)
	}
}

func TestOptions_EndpointIPv6(t *testing.T) {
	o := options{host: "::1", port: 7071}
	if got := o.endpoint(); got != "[::1]:7071" {
		t.Errorf("endpoint = %q, want [::1]:7071", got)
	}
}
