// Package logging wraps the standard library logger the way the teacher's
// own internal/logging package does (github.com/relab/hotstuff imports it as
// `logger = logging.GetLogger()` and calls Printf/Debugf/Panicf on it).
// Generalized here to one named logger per component, since this module
// splits the teacher's single HotStuff type into six collaborating
// components that each want their own log prefix.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which severities are emitted.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var globalLevel int32 = int32(LevelInfo)

// SetGlobalLevel changes the minimum level emitted by all loggers.
func SetGlobalLevel(l Level) {
	atomic.StoreInt32(&globalLevel, int32(l))
}

// Logger is a leveled, named wrapper around *log.Logger.
type Logger struct {
	name string
	std  *log.Logger
}

// GetLogger returns a logger tagged with name, writing to stderr with a
// microsecond timestamp the way the teacher's logger does.
func GetLogger(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.Lmicroseconds),
	}
}

func (l *Logger) enabled(lvl Level) bool {
	return int32(lvl) >= atomic.LoadInt32(&globalLevel)
}

func (l *Logger) log(lvl, tag string, lvlv Level, format string, args ...interface{}) {
	if !l.enabled(lvlv) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%s [%s] %s: %s", lvl, l.name, tag, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log("DEBUG", "", LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log("INFO", "", LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log("WARN", "", LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log("ERROR", "", LevelError, format, args...) }

func (l *Logger) Debug(args ...interface{}) { l.Debugf("%s", fmt.Sprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.Infof("%s", fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.Warnf("%s", fmt.Sprint(args...)) }
func (l *Logger) Error(args ...interface{}) { l.Errorf("%s", fmt.Sprint(args...)) }

// Panic logs at error level, then panics, mirroring the teacher's
// logger.Panic used when an invariant the replica cannot recover from is
// violated (e.g. a missing genesis block).
func (l *Logger) Panic(args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.Errorf("%s", msg)
	panic(fmt.Sprintf("[%s] %s", l.name, msg))
}

func (l *Logger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.Errorf("%s", msg)
	panic(fmt.Sprintf("[%s] %s", l.name, msg))
}
