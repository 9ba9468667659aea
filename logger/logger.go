// Copyright 2024 The pmemfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is the one logging doorway for the whole tree. Output goes
// to stderr until SetFile points it at a rotating log file.
package logger

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var log = logrus.New()

// SetLevel adjusts global verbosity ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}

// SetFile routes output to path behind size-based rotation, so a
// long-running process cannot grow one file without bound. maxSizeMB caps
// one file; maxBackups bounds how many rotated files are kept.
func SetFile(path string, maxSizeMB, maxBackups int) {
	log.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	})
}

// Tracef records per-operation debug detail. Compiled in but off by default.
func Tracef(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Infof records notable but healthy events.
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warnf records recoverable trouble, e.g. a failed best-effort atime update.
func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Errorf records operation failures worth an operator's attention.
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// WithField returns an entry carrying one structured field.
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}
