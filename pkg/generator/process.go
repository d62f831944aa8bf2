package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"
)

// PromptPlaceholder in an argument is replaced by the prompt. When no
// argument contains it, the prompt is written to the child's stdin.
const PromptPlaceholder = "{prompt}"

const (
	defaultGracePeriod = 5 * time.Second
	readBufferSize     = 4096
	stderrLimit        = 64 << 10
)

// ProcessConfig holds configuration for the Process generator.
type ProcessConfig struct {
	Command string   // e.g., "/opt/llama.cpp/bin/llama-cli"
	Args    []string // e.g., ["-m", "model.gguf", "--prompt", "{prompt}", "-n", "-1"]
	Env     []string // extra KEY=VALUE pairs appended to the parent environment
	Dir     string   // working directory, empty for the current one

	// Timeout bounds a single generation. Zero disables it.
	Timeout time.Duration
	// GracePeriod is how long a terminated child may take to exit after
	// SIGTERM before it is killed and its pipes are closed.
	GracePeriod time.Duration
}

// Process runs an external program once per prompt and streams its stdout.
type Process struct {
	cfg ProcessConfig
}

// NewProcess creates a Process generator.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("generator command is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Process{cfg: cfg}, nil
}

// Name returns the generator identifier.
func (p *Process) Name() string {
	return "process"
}

// args substitutes the prompt into the configured arguments and reports
// whether any argument referenced it.
func (p *Process) args(prompt string) ([]string, bool) {
	args := make([]string, len(p.cfg.Args))
	used := false
	for i, a := range p.cfg.Args {
		if strings.Contains(a, PromptPlaceholder) {
			a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
			used = true
		}
		args[i] = a
	}
	return args, used
}

// Stream spawns the child and streams its stdout. The child is terminated
// when ctx is done or the timeout elapses. Every path waits for the child
// and closes the returned channel.
func (p *Process) Stream(ctx context.Context, prompt string) (<-chan Event, error) {
	runCtx, cancel := context.WithCancel(ctx)
	timeoutCtx := runCtx
	cancelTimeout := context.CancelFunc(func() {})
	if p.cfg.Timeout > 0 {
		timeoutCtx, cancelTimeout = context.WithTimeout(runCtx, p.cfg.Timeout)
	}
	cleanup := func() {
		cancelTimeout()
		cancel()
	}

	args, usesArg := p.args(prompt)
	cmd := exec.CommandContext(timeoutCtx, p.cfg.Command, args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}
	if !usesArg {
		cmd.Stdin = strings.NewReader(prompt)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.cfg.GracePeriod

	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, &Error{Status: StatusFailed, ExitCode: -1, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		if ctx.Err() != nil {
			return nil, &Error{Status: StatusCancelled, ExitCode: -1, Err: ctx.Err()}
		}
		return nil, &Error{Status: StatusFailed, ExitCode: -1, Err: fmt.Errorf("start %s: %w", p.cfg.Command, err)}
	}

	slog.Debug("generator started", "command", p.cfg.Command, "pid", cmd.Process.Pid, "prompt_bytes", len(prompt))

	ch := make(chan Event)

	go func() {
		defer close(ch)
		defer cleanup()

		start := time.Now()
		readerDone := make(chan struct{})
		go closeAfterGrace(timeoutCtx, readerDone, stdout, p.cfg.GracePeriod)

		sendErr := pump(ctx, stdout, ch)
		close(readerDone)

		if sendErr != nil {
			// The caller stopped listening; make sure the child goes too.
			cancel()
		}
		waitErr := cmd.Wait()

		var final error
		switch {
		case ctx.Err() != nil:
			final = &Error{Status: StatusCancelled, ExitCode: exitCode(waitErr), Err: ctx.Err()}
		case timeoutCtx.Err() != nil:
			final = &Error{Status: StatusTimeout, ExitCode: exitCode(waitErr), Stderr: stderr.String(), Err: fmt.Errorf("after %s", p.cfg.Timeout)}
		case waitErr != nil:
			final = &Error{Status: StatusFailed, ExitCode: exitCode(waitErr), Stderr: stderr.String(), Err: waitErr}
		}

		slog.Debug("generator exited",
			"pid", cmd.Process.Pid,
			"status", StatusOf(final).String(),
			"duration", time.Since(start),
		)

		select {
		case ch <- finalEvent(final):
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// pump forwards stdout to ch as valid UTF-8 chunks until EOF or a read
// error. It returns ctx.Err() if the caller stopped receiving.
func pump(ctx context.Context, r io.Reader, ch chan<- Event) error {
	buf := make([]byte, readBufferSize)
	var carry []byte

	send := func(b []byte) error {
		select {
		case ch <- Event{Content: string(b)}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry[:len(carry):len(carry)], buf[:n]...)
			cut := completeUTF8(data)
			carry = data[cut:]
			if cut > 0 {
				if sendErr := send(data[:cut]); sendErr != nil {
					return sendErr
				}
			}
		}
		if err != nil {
			break
		}
	}

	if len(carry) > 0 {
		return send(carry)
	}
	return nil
}

// closeAfterGrace closes stdout once the grace period has passed after ctx
// is done. A grandchild holding the pipe open would otherwise keep the
// reader blocked forever.
func closeAfterGrace(ctx context.Context, readerDone <-chan struct{}, stdout io.Closer, grace time.Duration) {
	select {
	case <-readerDone:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-readerDone:
	case <-timer.C:
		stdout.Close()
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func completeUTF8(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return len(b)
			}
			return len(b) - i
		}
	}
	return len(b)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

var _ Generator = (*Process)(nil)
