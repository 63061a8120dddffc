package main

import (
	"fmt"
	"os"
	"strings"

	LOG "github.com/vinllen/log4go"
)

// initialLogger wires the file+console log4go filters the way
// common/common.go's InitialLogger does: daily-rotated file logger always
// on, console logger added only in -verbose mode.
func initialLogger(logDir, logFile, level string, logBuffer bool, verbose bool) error {
	logLevel := parseLogLevel(level)
	if verbose {
		LOG.AddFilter("console", logLevel, LOG.NewConsoleLogWriter())
	}

	if logDir == "" {
		logDir = "logs"
	}
	if _, err := os.Stat(logDir); err != nil && os.IsNotExist(err) {
		if err := os.MkdirAll(logDir, os.ModeDir|os.ModePerm); err != nil {
			return fmt.Errorf("create log.dir[%v] failed: %v", logDir, err)
		}
	}

	if logFile == "" {
		return fmt.Errorf("log.file shouldn't be empty")
	}

	fileLogger := LOG.NewFileLogWriter(fmt.Sprintf("%s/%s", logDir, logFile), true)
	fileLogger.SetRotateDaily(true)
	fileLogger.SetFormat("[%D %T] [%L] [%s] %M")
	fileLogger.SetRotateMaxBackup(7)
	if logBuffer {
		LOG.LogBufferLength = 32
	} else {
		LOG.LogBufferLength = 0
	}
	LOG.AddFilter("file", logLevel, fileLogger)

	return nil
}

func parseLogLevel(level string) LOG.Level {
	switch strings.ToLower(level) {
	case "debug":
		return LOG.DEBUG
	case "info":
		return LOG.INFO
	case "warning":
		return LOG.WARNING
	case "error":
		return LOG.ERROR
	default:
		return LOG.DEBUG
	}
}
