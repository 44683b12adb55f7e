// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"fmt"
	"io"
	"iscsitarget/pkg/common"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	Error = LogLevel(iota)
	Warning
	Info
	Debug
)

type ErrUnknownLogLevel struct {
	name string
}

func (err ErrUnknownLogLevel) Error() string {
	return fmt.Sprintf("unknown log level '%s'", err.name)
}

func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(name) {
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "", "info":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return Info, &ErrUnknownLogLevel{name: name}
}

func (level LogLevel) zerologLevel() zerolog.Level {
	switch level {
	case Error:
		return zerolog.ErrorLevel
	case Warning:
		return zerolog.WarnLevel
	case Debug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

var logFileLock = &sync.Mutex{}

type LoggingConfig struct {
	level LogLevel
	root  zerolog.Logger
}

type Logger struct {
	level  LogLevel
	caller string
	root   zerolog.Logger
}

var logFileInstance *LoggingConfig

func consoleOutput(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

func GetLoggingConfig() *LoggingConfig {
	logFileLock.Lock()
	defer logFileLock.Unlock()
	if logFileInstance == nil {
		logFileInstance = &LoggingConfig{
			level: Info,
			root:  zerolog.New(consoleOutput(os.Stderr)).With().Timestamp().Logger(),
		}
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return logFileInstance
}

func SetLoggingConfig(level LogLevel) {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	loggingConfig.level = level
	zerolog.SetGlobalLevel(level.zerologLevel())
}

// SetOutput replaces the sink of every logger obtained afterwards.
// With asJSON unset the output is rendered for humans.
func SetOutput(out io.Writer, asJSON bool) {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	if !asJSON {
		out = consoleOutput(out)
	}
	loggingConfig.root = zerolog.New(out).With().Timestamp().Logger()
}

func GetLogger() *Logger {
	loggingConfig := GetLoggingConfig()
	name := common.GetTraceInfo()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	return &Logger{
		level:  loggingConfig.level,
		caller: name,
		root:   loggingConfig.root,
	}
}

func (logger Logger) emit(event *zerolog.Event, data []any) {
	message := strings.TrimSuffix(fmt.Sprintln(data...), "\n")
	event.Str("caller", logger.caller).Msg(message)
}

func (logger Logger) Error(data ...any) {
	if logger.level >= Error {
		logger.emit(logger.root.Error(), data)
	}
}

func (logger Logger) Warn(data ...any) {
	if logger.level >= Warning {
		logger.emit(logger.root.Warn(), data)
	}
}

func (logger Logger) Warning(data ...any) {
	logger.Warn(data...)
}

func (logger Logger) Info(data ...any) {
	if logger.level >= Info {
		logger.emit(logger.root.Info(), data)
	}
}

func (logger Logger) Debug(data ...any) {
	if logger.level >= Debug {
		logger.emit(logger.root.Debug(), data)
	}
}

func (logger Logger) Errorf(format string, a ...any) {
	logger.Error(fmt.Sprintf(format, a...))
}

func (logger Logger) Warnf(format string, a ...any) {
	logger.Warn(fmt.Sprintf(format, a...))
}

func (logger Logger) Warningf(format string, a ...any) {
	logger.Warnf(format, a...)
}

func (logger Logger) Infof(format string, a ...any) {
	logger.Info(fmt.Sprintf(format, a...))
}

func (logger Logger) Debugf(format string, a ...any) {
	logger.Debug(fmt.Sprintf(format, a...))
}
