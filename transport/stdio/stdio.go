// Package stdio implements the engine's stdio transport: newline-delimited
// JSON frames over a child process's stdin/stdout, or over an already-open
// pair of streams.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/transport"
)

const defaultMaxLineBytes = 8 * 1024 * 1024

// Config configures a subprocess-spawning stdio transport.
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
}

// Option mutates a Config.
type Option func(*Config)

func WithArgs(args ...string) Option       { return func(c *Config) { c.Args = args } }
func WithWorkingDir(dir string) Option     { return func(c *Config) { c.WorkingDir = dir } }
func WithEnv(env []string) Option          { return func(c *Config) { c.Env = env } }

// Transport implements transport.Transport over newline-delimited JSON.
type Transport struct {
	*transport.Base

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex

	readerDone chan struct{}
}

// Spawning builds a Transport that launches command as a child process.
func Spawning(logger *zap.Logger, command string, opts ...Option) *Transport {
	cfg := &Config{Command: command}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Transport{
		Base:       transport.NewBase(logger, 64),
		cmd:        buildCmd(cfg),
		readerDone: make(chan struct{}),
	}
}

func buildCmd(cfg *Config) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	return cmd
}

// Attached builds a Transport over an already-open stream pair (e.g. a
// server front end speaking stdio over an accepted Unix-socket connection).
func Attached(logger *zap.Logger, in io.WriteCloser, out io.ReadCloser, errStream io.ReadCloser) *Transport {
	return &Transport{
		Base:       transport.NewBase(logger, 64),
		stdin:      in,
		stdout:     out,
		stderr:     errStream,
		readerDone: make(chan struct{}),
	}
}

// Connect starts (or, for Attached transports, begins reading) the stream
// and launches the background read loop.
func (t *Transport) Connect(ctx context.Context) error {
	t.SetState(transport.Connecting)

	if t.cmd != nil {
		stdin, err := t.cmd.StdinPipe()
		if err != nil {
			t.SetState(transport.Error)
			return fmt.Errorf("stdio: stdin pipe: %w", err)
		}
		stdout, err := t.cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			t.SetState(transport.Error)
			return fmt.Errorf("stdio: stdout pipe: %w", err)
		}
		stderr, err := t.cmd.StderrPipe()
		if err != nil {
			stdin.Close()
			stdout.Close()
			t.SetState(transport.Error)
			return fmt.Errorf("stdio: stderr pipe: %w", err)
		}
		if err := t.cmd.Start(); err != nil {
			stdin.Close()
			stdout.Close()
			stderr.Close()
			t.SetState(transport.Error)
			return fmt.Errorf("stdio: start %s: %w", t.cmd.Path, err)
		}
		t.stdin, t.stdout, t.stderr = stdin, stdout, stderr
	}

	if t.stderr != nil {
		go t.readStderr()
	}
	go t.readMessages()

	t.SetState(transport.Connected)
	return nil
}

// Disconnect closes the write stream and, for a spawned child, waits for
// it to exit until ctx is done, then kills it. It returns once the read
// loop has finished.
func (t *Transport) Disconnect(ctx context.Context) error {
	if t.State() == transport.Disconnected {
		return nil
	}
	t.SetState(transport.Disconnecting)

	t.writeMu.Lock()
	if t.stdin != nil {
		t.stdin.Close()
	}
	t.writeMu.Unlock()

	if t.cmd != nil && t.cmd.Process != nil {
		waitErr := make(chan error, 1)
		go func() { waitErr <- t.cmd.Wait() }()
		select {
		case <-waitErr:
		case <-ctx.Done():
			t.cmd.Process.Kill()
			<-waitErr
		}
	}

	<-t.readerDone
	t.SetState(transport.Disconnected)
	t.CloseChannels()
	return nil
}

// Send writes one frame followed by a newline. Safe for concurrent callers.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if t.State() != transport.Connected {
		return fmt.Errorf("stdio: not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(frame); err != nil {
		return fmt.Errorf("stdio: write: %w", err)
	}
	if _, err := t.stdin.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("stdio: write newline: %w", err)
	}
	return nil
}

// readMessages is the background read loop: one frame per line. Blank
// lines are skipped. Lines are not checked for valid JSON here: a
// malformed line is emitted as a frame like any other and is rejected when
// the session decodes it. Only a scanner failure is reported on Errors. A
// partial final line at EOF (no trailing newline) is discarded.
func (t *Transport) readMessages() {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), defaultMaxLineBytes)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		for i, c := range data {
			if c == '\n' {
				line := data[:i]
				if n := len(line); n > 0 && line[n-1] == '\r' {
					line = line[:n-1]
				}
				return i + 1, line, nil
			}
		}
		if atEOF && len(data) > 0 {
			return len(data), nil, nil
		}
		return 0, nil, nil
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		t.EmitMessage(frame)
	}
	if err := scanner.Err(); err != nil {
		t.EmitError(fmt.Errorf("stdio: read: %w", err))
	}
	t.SetState(transport.Disconnected)
}

// readStderr forwards the child's stderr to the logger line by line; it
// never surfaces as a protocol error since stderr carries diagnostics, not
// JSON-RPC frames.
func (t *Transport) readStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.Logger.Info("stdio child stderr", zap.String("line", scanner.Text()))
	}
}
