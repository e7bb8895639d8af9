package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recognized queue setting keys. Per-stage poll intervals use the
// "poll_interval_seconds.<stage>" form.
const (
	SettingRetryTimeout   = "retry_timeout_seconds"
	SettingMaxRetries     = "max_retry_attempts"
	SettingStuckThreshold = "stuck_post_threshold_minutes"
	settingPollPrefix     = "poll_interval_seconds."
)

// QueueSettings is the parsed, defaulted view of the settings table.
// Workers snapshot it once per loop iteration.
type QueueSettings struct {
	RetryTimeout     time.Duration
	MaxRetryAttempts int
	StuckThreshold   time.Duration
	PollIntervals    map[Stage]time.Duration
}

// DefaultQueueSettings mirrors the documented defaults.
func DefaultQueueSettings() QueueSettings {
	return QueueSettings{
		RetryTimeout:     300 * time.Second,
		MaxRetryAttempts: 3,
		StuckThreshold:   30 * time.Minute,
		PollIntervals: map[Stage]time.Duration{
			StageTriage:    5 * time.Second,
			StageResearch:  15 * time.Second,
			StageResponse:  10 * time.Second,
			StageEditorial: 5 * time.Second,
		},
	}
}

// PollInterval returns the cadence for a stage, defaulting to 5s for stages
// without an explicit setting.
func (s QueueSettings) PollInterval(stage Stage) time.Duration {
	if d, ok := s.PollIntervals[stage]; ok && d > 0 {
		return d
	}
	return 5 * time.Second
}

// RecognizedSettingKey reports whether key may be written via the control API.
func RecognizedSettingKey(key string) bool {
	switch key {
	case SettingRetryTimeout, SettingMaxRetries, SettingStuckThreshold:
		return true
	}
	if stage, ok := strings.CutPrefix(key, settingPollPrefix); ok {
		return ValidStage(Stage(stage))
	}
	return false
}

// ValidateSettingValue checks that value parses for the given recognized key.
func ValidateSettingValue(key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: setting %s wants a non-negative integer, got %q", ErrInvalidArgument, key, value)
	}
	if key == SettingMaxRetries && n > 100 {
		return fmt.Errorf("%w: max_retry_attempts %d out of range", ErrInvalidArgument, n)
	}
	return nil
}

// ParseQueueSettings overlays raw key/value rows onto the defaults.
// Unparseable values keep their default; unknown keys are ignored.
func ParseQueueSettings(raw map[string]string) QueueSettings {
	s := DefaultQueueSettings()
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			continue
		}
		switch k {
		case SettingRetryTimeout:
			s.RetryTimeout = time.Duration(n) * time.Second
		case SettingMaxRetries:
			s.MaxRetryAttempts = n
		case SettingStuckThreshold:
			s.StuckThreshold = time.Duration(n) * time.Minute
		default:
			if stage, ok := strings.CutPrefix(k, settingPollPrefix); ok && ValidStage(Stage(stage)) {
				s.PollIntervals[Stage(stage)] = time.Duration(n) * time.Second
			}
		}
	}
	return s
}
