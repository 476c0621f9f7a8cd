package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// LogAlarmStart records that the alarm sounded.
func LogAlarmStart(logPath string, ep *Episode) error {
	return appendLogEntry(logPath, &types.AlarmLogEntry{
		Timestamp:  timestampUTC(ep.Time),
		Event:      eventAlarmTriggered,
		EpisodeID:  ep.ID,
		Level:      ep.Level,
		Volume:     ep.Volume,
		Message:    ep.Message,
		DurationMs: ep.NoisyFor.Milliseconds(),
	})
}

// LogAlarmEnd records that the alarm stopped after the room quieted down.
func LogAlarmEnd(logPath string, ep *Episode) error {
	return appendLogEntry(logPath, &types.AlarmLogEntry{
		Timestamp:  timestampUTC(ep.Time),
		Event:      eventAlarmReleased,
		EpisodeID:  ep.ID,
		Level:      ep.Level,
		DurationMs: ep.Sounded.Milliseconds(),
	})
}

// WriteTestLog writes a test log entry.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}

	return appendLogEntry(logPath, &types.AlarmLogEntry{
		Timestamp: timestampUTC(time.Now()),
		Event:     eventTest,
	})
}

// appendLogEntry appends a log entry to the file.
func appendLogEntry(logPath string, entry *types.AlarmLogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}
	if err := util.ValidatePath("log path", logPath); err != nil {
		return err
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	if _, err := f.Write(append(jsonData, '\n')); err != nil {
		return util.WrapError("write log entry", err)
	}

	return nil
}
