// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package log

import (
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func withRecorder(t *testing.T, lvl Level, fn func(rl *RecordLogger)) {
	t.Helper()
	rl := new(RecordLogger)
	defer func(old Level) {
		UseLogger(&defaultLogger{l: log.New(os.Stderr, "", log.LstdFlags)})
		SetLevel(old)
	}(active())
	UseLogger(rl)
	SetLevel(lvl)
	fn(rl)
}

func TestLevels(t *testing.T) {
	t.Run("debug-off", func(t *testing.T) {
		withRecorder(t, LevelWarn, func(rl *RecordLogger) {
			Debug("this should not appear")
			Info("neither should this")
			Warn("but this should")
			logs := rl.Logs()
			require.Len(t, logs, 1)
			require.Contains(t, logs[0], "WARN")
		})
	})

	t.Run("debug-on", func(t *testing.T) {
		withRecorder(t, LevelDebug, func(rl *RecordLogger) {
			Debug("hello %d", 42)
			logs := rl.Logs()
			require.Len(t, logs, 1)
			require.Contains(t, logs[0], "DEBUG")
			require.Contains(t, logs[0], "hello 42")
		})
	})

	t.Run("none", func(t *testing.T) {
		withRecorder(t, LevelNone, func(rl *RecordLogger) {
			Warn("silenced")
			Error("k", "silenced too")
			Flush()
			require.Empty(t, rl.Logs())
		})
	})
}

func TestErrorAggregation(t *testing.T) {
	withRecorder(t, LevelWarn, func(rl *RecordLogger) {
		for i := 0; i < 10; i++ {
			Error("k", "repeated failure")
		}
		Flush()
		logs := rl.Logs()
		require.Len(t, logs, 1)
		require.Contains(t, logs[0], "ERROR")
		require.Contains(t, logs[0], "9 additional messages skipped")
	})
}

func TestErrorLimit(t *testing.T) {
	withRecorder(t, LevelWarn, func(rl *RecordLogger) {
		for i := 0; i < defaultErrorLimit*3; i++ {
			Error("cap", "noisy failure")
		}
		Flush()
		logs := rl.Logs()
		require.Len(t, logs, 1)
		require.True(t, strings.Contains(logs[0], "additional messages skipped"))
	})
}
