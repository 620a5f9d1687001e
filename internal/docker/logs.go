package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Logs returns up to tail of the most recent output lines of a container.
func (c *Client) Logs(ctx context.Context, containerID string, tail int) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "all"}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("logs %s: %w", containerID, ErrNotFound)
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	var lines []string
	lw := newLineWriter(func(line string) { lines = append(lines, line) })
	if _, err := stdcopy.StdCopy(lw, lw, rc); err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	lw.Flush()
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

// FollowLogs streams container output to onLine until ctx is cancelled or
// the container exits.
func (c *Client) FollowLogs(ctx context.Context, containerID string, tail int, onLine OutputCallback) error {
	if err := c.ready(); err != nil {
		return err
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true, Tail: "all"}
	if tail >= 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("logs %s: %w", containerID, ErrNotFound)
		}
		return fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	lw := newLineWriter(onLine)
	_, err = stdcopy.StdCopy(lw, lw, rc)
	lw.Flush()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("follow container logs: %w", err)
	}
	return nil
}

// lineWriter splits a byte stream into lines for a callback. Both stdout and
// stderr of a container are fed through the same writer.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  OutputCallback
}

func newLineWriter(fn OutputCallback) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		w.buf.Next(i + 1)
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	line := strings.TrimRight(w.buf.String(), "\r")
	w.buf.Reset()
	w.emit(line)
}

func (w *lineWriter) emit(line string) {
	if w.fn != nil {
		w.fn(line)
	}
}
