// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"iscsikit/pkg/common"
)

type LogLevel int

const (
	Error = LogLevel(iota)
	Warning
	Info
	Debug
)

func (level LogLevel) String() string {
	switch level {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Info:
		return "info"
	}
	return "debug"
}

func (level LogLevel) logrusLevel() logrus.Level {
	switch level {
	case Error:
		return logrus.ErrorLevel
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	}
	return logrus.DebugLevel
}

// ParseLevel accepts the level names used in configuration files.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info", "":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return Info, fmt.Errorf("unknown log level %q", name)
}

var logFileLock = &sync.Mutex{}

type LoggingConfig struct {
	level LogLevel
	base  *logrus.Logger
}

type Logger struct {
	entry *logrus.Entry
}

var logFileInstance *LoggingConfig

func GetLoggingConfig() *LoggingConfig {
	logFileLock.Lock()
	defer logFileLock.Unlock()
	if logFileInstance == nil {
		base := logrus.New()
		base.SetOutput(os.Stderr)
		base.SetLevel(Info.logrusLevel())
		base.SetFormatter(textFormatter(os.Stderr))
		logFileInstance = &LoggingConfig{
			level: Info,
			base:  base,
		}
	}
	return logFileInstance
}

func textFormatter(output io.Writer) logrus.Formatter {
	colors := false
	if file, ok := output.(*os.File); ok {
		fd := file.Fd()
		colors = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return &logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   colors,
		DisableColors: !colors,
	}
}

func SetLoggingConfig(level LogLevel) {
	loggingConfig := GetLoggingConfig()
	loggingConfig.level = level
	loggingConfig.base.SetLevel(level.logrusLevel())
}

// SetOutput redirects every logger, including the ones already handed out.
func SetOutput(output io.Writer) {
	loggingConfig := GetLoggingConfig()
	loggingConfig.base.SetOutput(output)
	if _, ok := loggingConfig.base.Formatter.(*logrus.TextFormatter); ok {
		loggingConfig.base.SetFormatter(textFormatter(output))
	}
}

// SetFormat selects "text" or "json" output.
func SetFormat(format string) error {
	loggingConfig := GetLoggingConfig()
	switch format {
	case "json":
		loggingConfig.base.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		loggingConfig.base.SetFormatter(textFormatter(loggingConfig.base.Out))
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

func GetLogger() *Logger {
	loggingConfig := GetLoggingConfig()
	name := common.GetTraceInfo()
	return &Logger{entry: loggingConfig.base.WithField("func", name)}
}

// WithField returns a logger that adds key to every record.
func (logger Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: logger.entry.WithField(key, value)}
}

func (logger Logger) Error(data ...any) {
	logger.entry.Error(data...)
}

func (logger Logger) Warn(data ...any) {
	logger.entry.Warn(data...)
}

func (logger Logger) Warning(data ...any) {
	logger.Warn(data...)
}

func (logger Logger) Info(data ...any) {
	logger.entry.Info(data...)
}

func (logger Logger) Debug(data ...any) {
	logger.entry.Debug(data...)
}

func (logger Logger) Errorf(format string, a ...any) {
	logger.entry.Errorf(format, a...)
}

func (logger Logger) Warnf(format string, a ...any) {
	logger.entry.Warnf(format, a...)
}

func (logger Logger) Warningf(format string, a ...any) {
	logger.Warnf(format, a...)
}

func (logger Logger) Infof(format string, a ...any) {
	logger.entry.Infof(format, a...)
}

func (logger Logger) Debugf(format string, a ...any) {
	logger.entry.Debugf(format, a...)
}
