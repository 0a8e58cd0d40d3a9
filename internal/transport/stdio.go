package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpinspector/internal/jsonrpc"
	"github.com/gaspardpetit/mcpinspector/internal/logx"
	"github.com/gaspardpetit/mcpinspector/internal/proxyerr"
)

const (
	maxStdoutLine   = 16 << 20
	stderrChunkSize = 4096
	stderrBuffer    = 64
)

// ProcessConfig describes a child process speaking JSON-RPC over stdio.
type ProcessConfig struct {
	// Command is an absolute or PATH-resolved executable.
	Command string
	Args    []string
	// Env is the complete environment of the child.
	Env []string
	Dir string
	// CaptureStderr exposes the child's stderr through Stderr. When false the
	// child inherits the inspector's stderr.
	CaptureStderr bool
	// KillGrace is the delay between SIGTERM and SIGKILL on close.
	KillGrace time.Duration
}

// Process is a transport backed by a spawned child process. Each outbound
// message is written to stdin as one line; each stdout line is one inbound
// message.
type Process struct {
	cfg ProcessConfig
	log zerolog.Logger

	mu     sync.Mutex // guards cmd, cancel and stdin
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser

	writeMu sync.Mutex
	in      *inbox
	stderr  chan []byte
	exited  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

// NewProcess prepares a process transport. Nothing is spawned until Start.
func NewProcess(cfg ProcessConfig) *Process {
	p := &Process{
		cfg:    cfg,
		log:    logx.Log.With().Str("transport", "stdio").Str("command", cfg.Command).Logger(),
		in:     newInbox(),
		exited: make(chan struct{}),
	}
	if cfg.CaptureStderr {
		p.stderr = make(chan []byte, stderrBuffer)
	}
	return p
}

// Start spawns the child. A failure to spawn is reported as SpawnFailure.
func (p *Process) Start(_ context.Context) error {
	var err error = proxyerr.Errorf(proxyerr.UnexpectedTransportError, "process transport already started")
	p.startOnce.Do(func() {
		if err = p.start(); err != nil {
			p.in.finish(err)
		}
	})
	return err
}

func (p *Process) start() error {
	if p.in.isClosing() {
		return ErrClosed
	}
	// The child outlives the request that created it; only Close cancels it.
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Env = p.cfg.Env
	cmd.Dir = p.cfg.Dir
	prepareProcessGroup(cmd, p.cfg.KillGrace)
	cmd.WaitDelay = p.cfg.KillGrace + time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return proxyerr.New(proxyerr.SpawnFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return proxyerr.New(proxyerr.SpawnFailure, err)
	}
	var stderr io.ReadCloser
	if p.stderr != nil {
		if stderr, err = cmd.StderrPipe(); err != nil {
			cancel()
			return proxyerr.New(proxyerr.SpawnFailure, err)
		}
	} else {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return proxyerr.New(proxyerr.SpawnFailure, err)
	}
	p.mu.Lock()
	if p.in.isClosing() {
		p.mu.Unlock()
		cancel()
		_ = cmd.Wait()
		return ErrClosed
	}
	p.cmd, p.cancel, p.stdin = cmd, cancel, stdin
	p.mu.Unlock()
	p.log = p.log.With().Int("pid", cmd.Process.Pid).Logger()
	p.log.Debug().Strs("args", p.cfg.Args).Msg("process started")

	var readers sync.WaitGroup
	readers.Add(1)
	var readErr error
	go func() {
		defer readers.Done()
		readErr = p.readStdout(stdout)
	}()
	if stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			p.readStderr(stderr)
		}()
	}
	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		close(p.exited)
		p.in.finish(p.exitError(readErr, waitErr))
	}()
	return nil
}

// exitError decides what Err reports once the child is gone.
func (p *Process) exitError(readErr, waitErr error) error {
	if p.in.isClosing() {
		return nil
	}
	if readErr != nil {
		return proxyerr.New(proxyerr.UnexpectedTransportError, fmt.Errorf("read stdout: %w", readErr))
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		p.log.Info().Int("exit_code", exitErr.ExitCode()).Msg("process exited")
		return proxyerr.New(proxyerr.UnexpectedTransportError, waitErr)
	}
	if waitErr != nil {
		return proxyerr.New(proxyerr.UnexpectedTransportError, waitErr)
	}
	p.log.Info().Msg("process exited")
	return nil
}

func (p *Process) readStdout(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStdoutLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.Parse(line)
		if err != nil {
			p.log.Warn().Err(err).Int("bytes", len(line)).Msg("skipping non JSON-RPC stdout line")
			continue
		}
		if !p.in.deliver(msg) {
			// Drain so the child never blocks on a full pipe while closing.
			_, _ = io.Copy(io.Discard, r)
			return nil
		}
	}
	return sc.Err()
}

func (p *Process) readStderr(r io.Reader) {
	defer close(p.stderr)
	buf := make([]byte, stderrChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case p.stderr <- chunk:
			case <-p.in.done:
			}
		}
		if err != nil {
			return
		}
	}
}

// Send writes msg to the child's stdin followed by a newline.
func (p *Process) Send(_ context.Context, msg jsonrpc.Message) error {
	if msg.IsZero() {
		return jsonrpc.ErrInvalidMessage
	}
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil || p.in.isClosing() {
		return ErrClosed
	}
	line := append(append([]byte(nil), singleLine(msg.Bytes())...), '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := stdin.Write(line); err != nil {
		if p.in.isClosing() {
			return ErrClosed
		}
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Messages returns the channel of messages read from stdout.
func (p *Process) Messages() <-chan jsonrpc.Message { return p.in.messages() }

// Err reports why the transport ended.
func (p *Process) Err() error { return p.in.error() }

// Closing reports whether Close has started or the child has exited.
func (p *Process) Closing() bool { return p.in.isClosing() }

// Stderr returns captured stderr chunks, or nil when stderr is inherited.
func (p *Process) Stderr() <-chan []byte {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

// Pid returns the child's process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Close closes stdin and terminates the process group, waiting for the child
// to be reaped.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.in.stop()
		p.mu.Lock()
		stdin, cancel := p.stdin, p.cancel
		p.mu.Unlock()
		if cancel == nil {
			p.in.finish(nil)
			return
		}
		// A blocked Send fails once stdin is closed.
		_ = stdin.Close()
		cancel()
		<-p.exited
		p.log.Debug().Msg("process closed")
	})
	return nil
}
