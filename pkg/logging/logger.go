package logging

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"log"

	"github.com/fatih/color"
)

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger.
type writer struct {
	// callback is the logging callback.
	callback func(string)
	// buffer is any incomplete line fragment left over from a previous write.
	buffer []byte
}

// trimCarriageReturn trims any single trailing carriage return from the end
// of a byte slice.
func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.Write.
func (w *writer) Write(buffer []byte) (int, error) {
	w.buffer = append(w.buffer, buffer...)

	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}

	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}

	return len(buffer), nil
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. Verbosity is controlled by
// a shared level pointer so that adjusting the root logger's level also
// adjusts every sublogger derived from it. It is safe for concurrent usage
// (the only mutable state, the level, is read-only after startup).
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
	// level controls which severities are emitted. It is shared by pointer
	// across a Logger and all of its subloggers.
	level *Level
}

// NewRoot creates a new root logger at the specified level.
func NewRoot(level Level) *Logger {
	return &Logger{level: &level}
}

// RootLogger is the default root logger, used by packages that don't have a
// logger threaded in explicitly (tests, early startup). It logs at
// LevelInfo.
var RootLogger = NewRoot(LevelInfo)

// SetLevel adjusts the logger's verbosity level. It affects every logger
// that shares the same underlying level pointer (the logger it was derived
// from and every other sublogger of that ancestor).
func (l *Logger) SetLevel(level Level) {
	if l != nil && l.level != nil {
		*l.level = level
	}
}

func (l *Logger) enabled(level Level) bool {
	return l != nil && l.level != nil && *l.level >= level
}

// Sublogger creates a new sublogger with the specified name, inheriting the
// parent's level.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}

	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}

	return &Logger{
		prefix: prefix,
		level:  l.level,
	}
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(calldepth, line)
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(v ...interface{}) {
	if l.enabled(LevelDebug) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Debugf logs at LevelDebug with fmt.Printf semantics.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.enabled(LevelDebug) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Info logs at LevelInfo.
func (l *Logger) Info(v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Infof logs at LevelInfo with fmt.Printf semantics.
func (l *Logger) Infof(format string, v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Warn logs error information at LevelWarn with a yellow warning prefix. It
// never aborts the caller: per the error handling design, path-level
// failures are demoted to a warning and the path is skipped.
func (l *Logger) Warn(err error) {
	if l.enabled(LevelWarn) {
		l.output(3, color.YellowString("warning: %v", err))
	}
}

// Warnf logs at LevelWarn with fmt.Printf semantics.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l.enabled(LevelWarn) {
		l.output(3, color.YellowString("warning: "+format, v...))
	}
}

// Error logs error information at LevelError with a red error prefix.
func (l *Logger) Error(err error) {
	if l.enabled(LevelError) {
		l.output(3, color.RedString("error: %v", err))
	}
}

// Errorf logs at LevelError with fmt.Printf semantics.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l.enabled(LevelError) {
		l.output(3, color.RedString("error: "+format, v...))
	}
}

// Writer returns an io.Writer that writes lines at LevelInfo.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return ioutil.Discard
	}
	return &writer{callback: func(s string) { l.Info(s) }}
}

// DebugWriter returns an io.Writer that writes lines at LevelDebug.
func (l *Logger) DebugWriter() io.Writer {
	if l == nil {
		return ioutil.Discard
	}
	return &writer{callback: func(s string) { l.Debug(s) }}
}
