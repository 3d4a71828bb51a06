// Package core provides the shared kernel for the vault tools:
// leveled logging, size formatting and version information.
package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel describes the vault tools' logs. These are a subset of the
// syslog log levels.
type LogLevel byte

// Log levels. These are the syslog levels of which we only use a
// subset.
//
//	LOG_EMERG      system is unusable
//	LOG_ALERT      action must be taken immediately
//	LOG_CRIT       critical conditions
//	LOG_ERR        error conditions
//	LOG_WARNING    warning conditions
//	LOG_NOTICE     normal, but significant, condition
//	LOG_INFO       informational message
//	LOG_DEBUG      debug-level message
const (
	LogLevelEmergency LogLevel = iota
	LogLevelAlert
	LogLevelCritical
	LogLevelError // Error - can't be suppressed
	LogLevelWarning
	LogLevelNotice // Normal logging, -q suppresses
	LogLevelInfo   // Operations, needs -v
	LogLevelDebug  // Debug level, needs -vv
)

var logLevelToString = []string{
	LogLevelEmergency: "EMERGENCY",
	LogLevelAlert:     "ALERT",
	LogLevelCritical:  "CRITICAL",
	LogLevelError:     "ERROR",
	LogLevelWarning:   "WARNING",
	LogLevelNotice:    "NOTICE",
	LogLevelInfo:      "INFO",
	LogLevelDebug:     "DEBUG",
}

// String turns a LogLevel into a string
func (l LogLevel) String() string {
	if l >= LogLevel(len(logLevelToString)) {
		return fmt.Sprintf("LogLevel(%d)", l)
	}
	return logLevelToString[l]
}

// Set a LogLevel
func (l *LogLevel) Set(s string) error {
	for n, name := range logLevelToString {
		if s != "" && name == s {
			*l = LogLevel(n)
			return nil
		}
	}
	return errors.Errorf("unknown log level %q", s)
}

// Type of the value
func (l *LogLevel) Type() string {
	return "string"
}

// Opt contains the options for controlling the logging
type Opt struct {
	Level      LogLevel // Log level
	UseJSONLog bool     // Log in JSON format via logrus
	File       string   // Log everything to this file
	MaxSize    int      // MiB before the log file is rotated (0 = no rotation)
	MaxBackups int      // Maximum number of old log files to retain
}

// LogOpt is the global logging configuration
var LogOpt = Opt{Level: LogLevelNotice}

type auditSink struct {
	owner interface{}
	w     io.Writer
}

var (
	auditMu    sync.Mutex
	auditSinks []auditSink
)

// RegisterAuditSink attaches a writer (e.g. a vault's .audit file)
// which receives a copy of every log line emitted about owner. Lines
// about other objects do not reach it. The returned function detaches
// it again.
func RegisterAuditSink(owner interface{}, w io.Writer) func() {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditSinks = append(auditSinks, auditSink{owner: owner, w: w})

	return func() {
		auditMu.Lock()
		defer auditMu.Unlock()
		for i, sink := range auditSinks {
			if sink.w == w {
				auditSinks = append(auditSinks[:i], auditSinks[i+1:]...)
				break
			}
		}
	}
}

func auditPrint(o interface{}, text string) {
	if o == nil {
		return
	}
	auditMu.Lock()
	defer auditMu.Unlock()
	for _, sink := range auditSinks {
		if sink.owner == o {
			_, _ = fmt.Fprintln(sink.w, text)
		}
	}
}

// LogPrint sends the text to the logger of level
var LogPrint = func(level LogLevel, text string) {
	_ = log.Output(4, fmt.Sprintf("%-6s: %s", level, text))
}

// LogPrintf produces a log string from the arguments passed in
func LogPrintf(level LogLevel, o interface{}, text string, args ...interface{}) {
	out := fmt.Sprintf(text, args...)

	if LogOpt.UseJSONLog {
		fields := logrus.Fields{}
		if o != nil {
			fields = logrus.Fields{
				"object":     fmt.Sprintf("%+v", o),
				"objectType": fmt.Sprintf("%T", o),
			}
		}
		auditPrint(o, fmt.Sprintf("%-6s: %v: %s", level, o, out))
		switch level {
		case LogLevelDebug:
			logrus.WithFields(fields).Debug(out)
		case LogLevelInfo:
			logrus.WithFields(fields).Info(out)
		case LogLevelNotice, LogLevelWarning:
			logrus.WithFields(fields).Warn(out)
		case LogLevelError:
			logrus.WithFields(fields).Error(out)
		case LogLevelCritical:
			logrus.WithFields(fields).Fatal(out)
		case LogLevelEmergency, LogLevelAlert:
			logrus.WithFields(fields).Panic(out)
		}
	} else {
		if o != nil {
			out = fmt.Sprintf("%v: %s", o, out)
		}
		auditPrint(o, fmt.Sprintf("%-6s: %s", level, out))
		LogPrint(level, out)
	}
}

// Errorf writes error log output for this Object. It should always be
// seen by the user.
func Errorf(o interface{}, text string, args ...interface{}) {
	if LogOpt.Level >= LogLevelError {
		LogPrintf(LogLevelError, o, text, args...)
	}
}

// Logf writes log output for this Object. This should be considered to
// be Notice level logging. It is the default level.
func Logf(o interface{}, text string, args ...interface{}) {
	if LogOpt.Level >= LogLevelNotice {
		LogPrintf(LogLevelNotice, o, text, args...)
	}
}

// Infof writes info on operations for this Object. Use this level for
// logging state transitions and things which should appear with -v.
func Infof(o interface{}, text string, args ...interface{}) {
	if LogOpt.Level >= LogLevelInfo {
		LogPrintf(LogLevelInfo, o, text, args...)
	}
}

// Debugf writes debugging output for this Object. The user must
// specify -vv to see this.
func Debugf(o interface{}, text string, args ...interface{}) {
	if LogOpt.Level >= LogLevelDebug {
		LogPrintf(LogLevelDebug, o, text, args...)
	}
}

// Fatalf writes critical log output and exits with a non-zero status.
func Fatalf(o interface{}, text string, args ...interface{}) {
	LogPrintf(LogLevelCritical, o, text, args...)
	if !LogOpt.UseJSONLog {
		// logrus.Fatal exits for us in JSON mode
		os.Exit(1)
	}
}

// InitLogging starts logging as per the global options
func InitLogging() {
	log.SetFlags(log.LstdFlags)

	if LogOpt.File != "" {
		var w io.Writer
		if LogOpt.MaxSize == 0 {
			f, err := os.OpenFile(LogOpt.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
			if err != nil {
				log.Fatalf("Failed to open log file: %v", err)
			}
			w = f
		} else {
			w = &lumberjack.Logger{
				Filename:   LogOpt.File,
				MaxSize:    LogOpt.MaxSize, // MiB
				MaxBackups: LogOpt.MaxBackups,
				LocalTime:  true,
			}
		}
		log.SetOutput(w)
		logrus.SetOutput(w)
	}

	if LogOpt.UseJSONLog {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	switch {
	case LogOpt.Level >= LogLevelDebug:
		logrus.SetLevel(logrus.DebugLevel)
	case LogOpt.Level >= LogLevelInfo:
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.WarnLevel)
	}
}
