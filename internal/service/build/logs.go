package build

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	logRepeatFlushInterval = 5 * time.Second
	maxLineLength          = 2000
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// logAggregator collapses consecutive duplicate lines, strips terminal escape
// codes and keeps a bounded history for the job log.
type logAggregator struct {
	mu       sync.Mutex
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
	dropped  int
}

func newLogAggregator(bufSize int, emit func(string)) *logAggregator {
	return &logAggregator{
		emit:     emit,
		maxDelay: logRepeatFlushInterval,
		bufSize:  bufSize,
	}
}

// Add records a raw output line.
func (a *logAggregator) Add(raw string) {
	if a == nil {
		return
	}
	line := cleanLine(raw)
	if line == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

// Flush emits a pending repeat summary.
func (a *logAggregator) Flush() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushRepeatsAt(time.Now())
}

func (a *logAggregator) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *logAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	a.record(line)
	a.lastEmit = now
}

func (a *logAggregator) record(line string) {
	if a.bufSize <= 0 || len(a.buffer) < a.bufSize {
		a.buffer = append(a.buffer, line)
		return
	}
	a.buffer = append(a.buffer[1:], line)
	a.dropped++
}

// Lines returns everything retained, oldest first, prefixed by a marker when
// older lines were evicted.
func (a *logAggregator) Lines() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.buffer)+1)
	if a.dropped > 0 {
		out = append(out, fmt.Sprintf("... %d earlier lines omitted", a.dropped))
	}
	return append(out, a.buffer...)
}

// Snapshot returns the last limit lines.
func (a *logAggregator) Snapshot(limit int) []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}

func cleanLine(raw string) string {
	line := ansiEscape.ReplaceAllString(raw, "")
	line = strings.TrimSpace(strings.ReplaceAll(line, "\r", ""))
	if len(line) > maxLineLength {
		line = line[:maxLineLength] + "..."
	}
	return line
}
