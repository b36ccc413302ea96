// Copyright The MemKit Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

const (
	// DefaultSource is the source of the default Logger.
	DefaultSource = "default"
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "MEMKIT_DEBUG"
)

// Logger is a source-tagged logging front-end. Messages are formatted
// printf-style and emitted through klog. Debug messages are suppressed
// unless debugging has been enabled for the logger's source.
type Logger struct {
	source string
	prefix string
}

var (
	lock     sync.RWMutex
	debugMap = map[string]bool{}
	debugAll bool
	deflog   = newLogger(DefaultSource)
)

func newLogger(source string) Logger {
	return Logger{
		source: source,
		prefix: "[" + source + "] ",
	}
}

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	if source == "" {
		return deflog
	}
	return newLogger(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Source returns the source of the logger.
func (l Logger) Source() string {
	return l.source
}

// Debug logs a formatted debug message, if debugging is enabled for the source.
func (l Logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, l.prefix+"D: "+fmt.Sprintf(format, args...))
}

// Debugf is an alias for Debug.
func (l Logger) Debugf(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, l.prefix+"D: "+fmt.Sprintf(format, args...))
}

// Info logs a formatted informational message.
func (l Logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

// Infof is an alias for Info.
func (l Logger) Infof(format string, args ...interface{}) {
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

// Warn logs a formatted warning message.
func (l Logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

// Warnf is an alias for Warn.
func (l Logger) Warnf(format string, args ...interface{}) {
	klog.WarningDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

// Error logs a formatted error message.
func (l Logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

// Errorf is an alias for Error.
func (l Logger) Errorf(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

// Fatal logs a formatted error message and exits.
func (l Logger) Fatal(format string, args ...interface{}) {
	klog.ExitDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

// DebugEnabled returns true if debugging is enabled for the logger's source.
func (l Logger) DebugEnabled() bool {
	lock.RLock()
	defer lock.RUnlock()

	if state, ok := debugMap[l.source]; ok {
		return state
	}
	return debugAll
}

// EnableDebug enables or disables debug logging for the given sources.
// The sources "all" and "*" control the default for unlisted sources.
func EnableDebug(enabled bool, sources ...string) {
	lock.Lock()
	defer lock.Unlock()

	for _, src := range sources {
		if src == "all" || src == "*" {
			debugAll = enabled
			continue
		}
		debugMap[src] = enabled
	}
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// Seed debugging flags from the environment.
func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		sources := []string{}
		for _, src := range strings.Split(value, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
		EnableDebug(true, sources...)
		deflog.Info("seeded debug flags ($%s): %s", debugEnvVar, value)
	}
}
