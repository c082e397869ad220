package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

const maxLineLength = 8 * 1024 * 1024 // 8MB per protocol line

const maxStderrLineLength = 32 * 1024 // 32KB per stderr line

// Stdio owns one child process and frames its stdin/stdout as
// newline-delimited messages. One value per connection, never shared.
type Stdio struct {
	cfg    domain.ServerConfig
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	lines   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	cleanup   func()
}

type StdioOptions struct {
	Logger *zap.Logger
}

func NewStdio(cfg domain.ServerConfig, opts StdioOptions) *Stdio {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stdio{
		cfg:    cfg,
		logger: logger,
		lines:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

// Start spawns the configured command and begins draining its stdout and
// stderr. A failure to spawn surfaces as a connection error.
func (t *Stdio) Start(ctx context.Context) error {
	if strings.TrimSpace(t.cfg.Command) == "" {
		return fmt.Errorf("%w: command is required for stdio transport", domain.ErrInvalidCommand)
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), formatEnv(t.cfg.Env)...)
	t.cleanup = setupProcessHandling(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", classifyStartError(err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr

	downstreamLogger := t.logger.With(
		zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
		telemetry.ServerIDField(t.cfg.ID),
		zap.String(telemetry.FieldLogStream, "stderr"),
	)
	go mirrorStderr(stderr, downstreamLogger)
	go t.readLoop()

	return nil
}

// WriteLine appends one newline-terminated message to the child's stdin.
// Concurrent writers are serialized so partial lines never interleave.
func (t *Stdio) WriteLine(ctx context.Context, line []byte) error {
	select {
	case <-t.closed:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// Lines returns the stream of complete stdout lines. The channel is closed
// on EOF or Close; it is not restartable.
func (t *Stdio) Lines() <-chan []byte {
	return t.lines
}

// Close terminates the child process and closes its streams. Idempotent.
func (t *Stdio) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.stdout != nil {
			_ = t.stdout.Close()
		}
		if t.stderr != nil {
			_ = t.stderr.Close()
		}
		if t.cleanup != nil {
			t.cleanup()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			waitDone := make(chan struct{})
			go func() {
				_ = t.cmd.Wait()
				close(waitDone)
			}()
			select {
			case <-waitDone:
			case <-time.After(2 * time.Second):
				_ = t.cmd.Process.Kill()
			}
		}
	})
	return nil
}

func (t *Stdio) readLoop() {
	defer close(t.lines)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		raw := scanner.Bytes()
		line := make([]byte, len(raw))
		copy(line, raw)
		select {
		case t.lines <- line:
		case <-t.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		t.logger.Debug("stdout drained with error", telemetry.ServerIDField(t.cfg.ID), zap.Error(err))
	}
}

func mirrorStderr(reader io.Reader, logger *zap.Logger) {
	buf := bufio.NewReaderSize(reader, 8192)
	for {
		line, isPrefix, err := buf.ReadLine()
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if trimmed != "" {
				if len(trimmed) > maxStderrLineLength {
					logger.Warn("stderr line truncated",
						zap.Int("originalLength", len(trimmed)),
						zap.Int("maxLength", maxStderrLineLength),
					)
					trimmed = trimmed[:maxStderrLineLength] + "... [truncated]"
				}
				logger.Info(trimmed)
			}
			if isPrefix {
				// Discard rest of oversized line
				for isPrefix && err == nil {
					_, isPrefix, err = buf.ReadLine()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := sortedKeys(env)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func sortedKeys(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, exec.ErrNotFound) || errors.Is(pathErr.Err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
		}
		if errors.Is(pathErr.Err, os.ErrPermission) {
			return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
		}
	}
	return err
}
