package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

func log(level Severity, msg string) {
	logger := slog.Default()
	slogLvl := level.toSLogLevel()
	if !logger.Enabled(context.Background(), slogLvl) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip "Callers", "log" and the exported function.
	r := slog.NewRecord(time.Now(), slogLvl, msg, pcs[0])
	_ = logger.Handler().Handle(context.Background(), r)
}

// Trace is used to log tiny steps. Log traces to context if you can!
func Trace(msg string) {
	log(TraceLevel, msg)
}

// Tracef is used to log tiny steps. Log traces to context if you can!
func Tracef(format string, things ...any) {
	log(TraceLevel, fmt.Sprintf(format, things...))
}

// Debug is used to log minor errors or unexpected events.
func Debug(msg string) {
	log(DebugLevel, msg)
}

// Debugf is used to log minor errors or unexpected events.
func Debugf(format string, things ...any) {
	log(DebugLevel, fmt.Sprintf(format, things...))
}

// Info is used to log mildly significant events.
func Info(msg string) {
	log(InfoLevel, msg)
}

// Infof is used to log mildly significant events.
func Infof(format string, things ...any) {
	log(InfoLevel, fmt.Sprintf(format, things...))
}

// Warning is used to log (potentially) bad events, but nothing broken.
func Warning(msg string) {
	log(WarningLevel, msg)
}

// Warningf is used to log (potentially) bad events, but nothing broken.
func Warningf(format string, things ...any) {
	log(WarningLevel, fmt.Sprintf(format, things...))
}

// Error is used to log errors that break or impair functionality.
func Error(msg string) {
	log(ErrorLevel, msg)
}

// Errorf is used to log errors that break or impair functionality.
func Errorf(format string, things ...any) {
	log(ErrorLevel, fmt.Sprintf(format, things...))
}

// Critical is used to log events that completely break the system.
func Critical(msg string) {
	log(CriticalLevel, msg)
}

// Criticalf is used to log events that completely break the system.
func Criticalf(format string, things ...any) {
	log(CriticalLevel, fmt.Sprintf(format, things...))
}
