// The MIT License
//
// Copyright (c) 2017-2018 by the author(s)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package ptlog provides the engine's leveled logging facility.
package ptlog

import (
	"log"
	"os"
)

// Level is the criticality of a log message.
type Level int

// Log levels, lowest criticality first.
const (
	Debug Level = iota
	Info
	Warn
	Error
)

var (
	loggers     [4]*log.Logger
	indentLevel uint
	minLevel    = Info
)

func loggerFor(level Level) *log.Logger {
	if loggers[level] == nil {
		prefix := [4]string{"DEBUG: ", "INFO: ", "WARN: ", "ERROR: "}[level]
		loggers[level] = log.New(os.Stderr, prefix, log.Ldate|log.Lmicroseconds)
	}
	return loggers[level]
}

// Logf prints a log message at the given level, subject to the package's
// minimum level. Error-level messages are never fatal; callers that need to
// abort still return an error and let main() decide.
func Logf(level Level, format string, args ...interface{}) {
	if level < minLevel {
		return
	}
	for i := uint(0); i < indentLevel; i++ {
		format = "... " + format
	}
	loggerFor(level).Printf(format, args...)
}

// IncrementIndent increases the indentation of subsequent log messages. Used
// while descending through nested init/start/stop phases.
func IncrementIndent() {
	indentLevel++
}

// DecrementIndent decreases the indentation of subsequent log messages.
func DecrementIndent() {
	if indentLevel == 0 {
		return
	}
	indentLevel--
}

// SetLevel sets the minimum criticality of messages that are actually
// printed.
func SetLevel(level Level) {
	minLevel = level
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a
// Level, defaulting to Info for an empty or unrecognized string.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}
