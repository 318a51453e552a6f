// Copyright 2023 The Matrix.org Foundation C.I.C.
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

package internal

import (
	"io"
	"os"
	"path/filepath"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/setup/config"
)

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// logLevelHook wraps another hook and filters log entries according to their level.
// (Note that we cannot use solely logrus.SetLevel, because Hooks are
// called regardless of the global log level.)
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

// Levels returns all the levels supported by this hook.
func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

// SetupStdLogging configures the logging format to standard output. Typically,
// it is called when the instance is newly created.
func SetupStdLogging() {
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
		},
	})
}

// SetupHookLogging configures the logging hooks defined in the configuration.
// If something fails here it means that the logging was improperly configured,
// so we just exit with the error.
func SetupHookLogging(hooks []config.LogrusHook) {
	logrus.SetOutput(io.Discard)
	stdLogAdded := false
	for _, hook := range hooks {
		// Check we received a proper logging level
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			logrus.Fatalf("Unrecognised logging level %s: %q", hook.Level, err)
		}

		switch hook.Type {
		case "file":
			checkFileHookParams(hook.Params)
			setupFileHook(hook, level)
		case "std":
			setupStdLogHook(level)
			stdLogAdded = true
		default:
			logrus.Fatalf("Unrecognised logging hook type: %s", hook.Type)
		}
	}
	if !stdLogAdded {
		setupStdLogHook(logrus.InfoLevel)
	}
	// Hooks are now configured for stdout/err, so throw away the default logger output
	logrus.SetOutput(io.Discard)
}

func setupStdLogHook(level logrus.Level) {
	logrus.AddHook(&logLevelHook{level, stdemuxerhook.New(logrus.StandardLogger())})
}

// File type hooks should be provided a path to a directory to store log files
func checkFileHookParams(params map[string]interface{}) {
	path, ok := params["path"]
	if !ok {
		logrus.Fatalf("Expecting a parameter \"path\" for logging hook of type \"file\"")
	}

	if _, ok := path.(string); !ok {
		logrus.Fatalf("Parameter \"path\" for logging hook of type \"file\" should be a string")
	}
}

func setupFileHook(hook config.LogrusHook, level logrus.Level) {
	dirPath := (hook.Params["path"]).(string)
	fullPath, err := filepath.Abs(dirPath)
	if err != nil {
		logrus.Fatalf("Failed to expand path %q: %q", dirPath, err)
	}

	if err = os.MkdirAll(fullPath, os.ModePerm); err != nil {
		logrus.Fatalf("Failed to create directory %q: %q", fullPath, err)
	}

	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(
			filepath.Join(fullPath, "trustd.log"),
			&utcFormatter{
				&logrus.TextFormatter{
					TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
					DisableColors:    true,
					DisableTimestamp: false,
					DisableSorting:   false,
					QuoteEmptyFields: true,
				},
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}
