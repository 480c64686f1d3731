package logx

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CycleBuffer collects the log lines of one poll cycle.
//
// In verbose mode every line goes straight to the logger. Otherwise lines are
// held until the cycle ends and are only written if Flush is called, which the
// engine does when the service order actually changed.
type CycleBuffer struct {
	logger  *Logger
	verbose bool

	mu      sync.Mutex
	entries []bufferedLine
}

type bufferedLine struct {
	msg  string
	args []interface{}
}

// NewCycleBuffer creates an empty buffer writing to logger
func NewCycleBuffer(logger *Logger, verbose bool) *CycleBuffer {
	if logger == nil {
		logger = &Logger{}
	}
	return &CycleBuffer{logger: logger, verbose: verbose}
}

// Verbose reports whether lines bypass the buffer
func (b *CycleBuffer) Verbose() bool {
	return b.verbose
}

// Add records one line. keyvals follow the Logger convention.
func (b *CycleBuffer) Add(msg string, keyvals ...interface{}) {
	if b.verbose {
		b.logger.Info(msg, keyvals...)
		return
	}
	b.mu.Lock()
	b.entries = append(b.entries, bufferedLine{msg: msg, args: keyvals})
	b.mu.Unlock()
}

// Flush writes all buffered lines in order and empties the buffer
func (b *CycleBuffer) Flush() {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	for _, e := range entries {
		b.logger.Info(e.msg, e.args...)
	}
}

// Discard drops buffered lines without writing them
func (b *CycleBuffer) Discard() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

// Len returns the number of buffered lines
func (b *CycleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Lines renders the buffered lines as "msg key=value ..." strings
func (b *CycleBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		lines = append(lines, renderLine(e))
	}
	return lines
}

func renderLine(e bufferedLine) string {
	fields := toFields(e.args)
	if len(fields) == 0 {
		return e.msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(e.msg)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return sb.String()
}
