// Package exectest runs helper servers as subprocesses of tests.
package exectest

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// Background is a command running alongside a test.
type Background struct {
	tb      testing.TB
	Cmd     *exec.Cmd
	wg      sync.WaitGroup
	done    chan struct{}
	err     error
	errLock sync.Mutex
	// Log command output to tests.
	Name      string
	LogStdout bool
	LogStderr bool
}

// NewBackground prepares a command to run in the background of a test.
func NewBackground(tb testing.TB, cmd *exec.Cmd) *Background {
	return &Background{
		tb:   tb,
		Cmd:  cmd,
		done: make(chan struct{}),
	}
}

// Start spawns a goroutine running the process in the background.
// After calling Start, accessing the provided exec.Cmd is unsafe until Close() returns.
// Can only be called once.
func (b *Background) Start() {
	var prefix string
	if b.Name != "" {
		prefix = b.Name + ": "
	}
	var pipes []*PipeCapture
	if b.LogStdout {
		p := &PipeCapture{Prefix: prefix, TB: b.tb}
		b.Cmd.Stdout = p
		pipes = append(pipes, p)
	}
	if b.LogStderr {
		p := &PipeCapture{Prefix: prefix + "(stderr) ", TB: b.tb}
		b.Cmd.Stderr = p
		pipes = append(pipes, p)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.done)
		err := b.Cmd.Run()
		for _, p := range pipes {
			p.Flush()
		}
		b.errLock.Lock()
		b.err = err
		b.errLock.Unlock()
	}()
}

// Close must be called before the test context completes,
// regardless whether the command exited successfully.
// Close is idempotent.
func (b *Background) Close() {
	if b.Cmd.Process != nil {
		_ = b.Cmd.Process.Kill()
	}
	b.wg.Wait()
}

// Done returns a channel that closes when the command exits.
func (b *Background) Done() <-chan struct{} {
	return b.done
}

// Err returns any error that occurred with the process.
func (b *Background) Err() error {
	b.errLock.Lock()
	defer b.errLock.Unlock()
	return b.err
}

// ErrNotReady is returned by probes while a server is still starting.
var ErrNotReady = errors.New("not ready")

// WaitReady polls probe until it succeeds, the process exits or attempts run out.
// Probes return ErrNotReady (or wrap it) to request another attempt.
func (b *Background) WaitReady(attempts int, interval time.Duration, probe func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var err error
	for try := 0; try < attempts; try++ {
		if try > 0 {
			select {
			case <-ticker.C:
			case <-b.done:
				if procErr := b.Err(); procErr != nil {
					return procErr
				}
				return errors.New("subprocess exited before becoming ready")
			}
		}
		err = probe()
		if err == nil || !errors.Is(err, ErrNotReady) {
			return err
		}
	}
	return err
}

// PipeCapture forwards process output line by line to the test log.
type PipeCapture struct {
	TB     testing.TB
	Prefix string
	buf    bytes.Buffer
	mu     sync.Mutex
}

func (w *PipeCapture) Write(buf []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			w.buf.Write(buf)
			break
		}
		w.buf.Write(buf[:i])
		w.line(w.buf.String())
		w.buf.Reset()
		n += i + 1
		buf = buf[i+1:]
	}
	return n + len(buf), nil
}

// Flush logs any incomplete trailing line.
func (w *PipeCapture) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(w.buf.String(), "\n") {
		if len(line) > 0 {
			w.line(line)
		}
	}
	w.buf.Reset()
}

func (w *PipeCapture) line(s string) {
	w.TB.Log(w.Prefix + s)
}
