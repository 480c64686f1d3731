package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key/value logging for the daemon.
// A zero Logger is usable and logs at info level to stderr.
type Logger struct {
	base      *logrus.Logger
	entry     *logrus.Entry
	component string
}

// NewLogger creates a logger at the given level tagged with a component name
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	l := &Logger{base: base, component: component}
	l.SetLevel(level)
	l.entry = logrus.NewEntry(base)
	if component != "" {
		l.entry = l.entry.WithField("component", component)
	}
	return l
}

// SetLevel changes the log level; unknown levels fall back to info
func (l *Logger) SetLevel(level string) {
	l.ensure()
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.base.SetLevel(parsed)
}

// GetLevel returns the current level name
func (l *Logger) GetLevel() string {
	l.ensure()
	return l.base.GetLevel().String()
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.ensure()
	l.base.SetOutput(w)
}

// SetJSON switches to JSON formatted output
func (l *Logger) SetJSON() {
	l.ensure()
	l.base.SetFormatter(&logrus.JSONFormatter{})
}

// WithComponent returns a logger sharing output and level with a different component tag
func (l *Logger) WithComponent(component string) *Logger {
	l.ensure()
	return &Logger{
		base:      l.base,
		entry:     logrus.NewEntry(l.base).WithField("component", component),
		component: component,
	}
}

// IsTrace reports whether trace logging is enabled
func (l *Logger) IsTrace() bool {
	l.ensure()
	return l.base.IsLevelEnabled(logrus.TraceLevel)
}

func (l *Logger) Trace(msg string, args ...interface{}) {
	l.log(logrus.TraceLevel, msg, args...)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(logrus.DebugLevel, msg, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(logrus.InfoLevel, msg, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(logrus.WarnLevel, msg, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(logrus.ErrorLevel, msg, args...)
}

// LogVerbose logs a named event with fields at trace level
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.log(logrus.TraceLevel, event, fields)
}

// LogStateChange logs a component transition from one state to another
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	merged := map[string]interface{}{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.log(logrus.InfoLevel, "State change", merged)
}

// LogSwitch logs a change of the primary interface
func (l *Logger) LogSwitch(from, to, reason string, fields map[string]interface{}) {
	merged := map[string]interface{}{
		"from":   from,
		"to":     to,
		"reason": reason,
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.log(logrus.InfoLevel, "Primary interface switch", merged)
}

func (l *Logger) ensure() {
	if l.base == nil {
		l.base = logrus.New()
		l.base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if l.entry == nil {
		l.entry = logrus.NewEntry(l.base)
		if l.component != "" {
			l.entry = l.entry.WithField("component", l.component)
		}
	}
}

func (l *Logger) log(level logrus.Level, msg string, args ...interface{}) {
	l.ensure()
	if !l.base.IsLevelEnabled(level) {
		return
	}
	l.entry.WithFields(toFields(args)).Log(level, msg)
}

// toFields accepts either alternating key/value pairs or a single map
func toFields(args []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(args) == 1 {
		switch m := args[0].(type) {
		case map[string]interface{}:
			for k, v := range m {
				fields[k] = v
			}
			return fields
		case logrus.Fields:
			return m
		}
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			fields[key] = "(missing)"
			break
		}
		value := args[i+1]
		if err, isErr := value.(error); isErr && err != nil {
			value = err.Error()
		}
		fields[key] = value
	}
	return fields
}
