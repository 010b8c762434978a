package runner

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// maxCapturedBytes caps each captured stream. Daemons live for the whole
// suite run, the pipe keeps draining past the cap so writers never block.
const maxCapturedBytes = 1 << 20

const truncationMarker = "... output truncated ...\n"

// DaemonLogs holds the output captured from one daemon process
type DaemonLogs struct {
	Stdout   string
	Stderr   string
	Combined string
}

// logCapture captures stdout and stderr from a daemon process
type logCapture struct {
	stdoutBuf    *bytes.Buffer
	stderrBuf    *bytes.Buffer
	stdoutReader *io.PipeReader
	stderrReader *io.PipeReader
	stdoutWriter *io.PipeWriter
	stderrWriter *io.PipeWriter
	wg           sync.WaitGroup
	mu           sync.RWMutex
}

func newLogCapture() *logCapture {
	lc := &logCapture{
		stdoutBuf: &bytes.Buffer{},
		stderrBuf: &bytes.Buffer{},
	}

	lc.stdoutReader, lc.stdoutWriter = io.Pipe()
	lc.stderrReader, lc.stderrWriter = io.Pipe()

	lc.wg.Add(2)
	go lc.captureOutput(lc.stdoutReader, lc.stdoutBuf)
	go lc.captureOutput(lc.stderrReader, lc.stderrBuf)

	return lc
}

func (lc *logCapture) captureOutput(reader io.Reader, buffer *bytes.Buffer) {
	defer lc.wg.Done()

	truncated := false
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		lc.mu.Lock()
		if buffer.Len() >= maxCapturedBytes {
			if !truncated {
				buffer.WriteString(truncationMarker)
				truncated = true
			}
		} else {
			buffer.WriteString(line + "\n")
		}
		lc.mu.Unlock()
	}
}

// close closes the capture pipes and waits for the readers to drain
func (lc *logCapture) close() {
	lc.stdoutWriter.Close()
	lc.stderrWriter.Close()
	lc.wg.Wait()
}

func (lc *logCapture) getLogs() *DaemonLogs {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	stdout := lc.stdoutBuf.String()
	stderr := lc.stderrBuf.String()

	combined := ""
	if stdout != "" {
		combined += "=== STDOUT ===\n" + stdout
	}
	if stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += "=== STDERR ===\n" + stderr
	}

	return &DaemonLogs{
		Stdout:   stdout,
		Stderr:   stderr,
		Combined: combined,
	}
}
