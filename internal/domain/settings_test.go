package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/factline/internal/domain"
)

func TestDefaultQueueSettings(t *testing.T) {
	s := domain.DefaultQueueSettings()
	assert.Equal(t, 300*time.Second, s.RetryTimeout)
	assert.Equal(t, 3, s.MaxRetryAttempts)
	assert.Equal(t, 30*time.Minute, s.StuckThreshold)
	assert.Equal(t, 5*time.Second, s.PollInterval(domain.StageTriage))
	assert.Equal(t, 15*time.Second, s.PollInterval(domain.StageResearch))
	assert.Equal(t, 10*time.Second, s.PollInterval(domain.StageResponse))
	assert.Equal(t, 5*time.Second, s.PollInterval(domain.StageEditorial))
	// Stages without an explicit interval fall back to 5s.
	assert.Equal(t, 5*time.Second, s.PollInterval(domain.StagePostQueue))
}

func TestParseQueueSettingsOverlay(t *testing.T) {
	s := domain.ParseQueueSettings(map[string]string{
		"retry_timeout_seconds":         "60",
		"max_retry_attempts":            "5",
		"stuck_post_threshold_minutes":  "10",
		"poll_interval_seconds.triage":  "2",
		"poll_interval_seconds.bogus":   "9",
		"retry_timeout_secondsTYPO":     "1",
		"max_retry_attempts_unparsable": "x",
	})
	assert.Equal(t, 60*time.Second, s.RetryTimeout)
	assert.Equal(t, 5, s.MaxRetryAttempts)
	assert.Equal(t, 10*time.Minute, s.StuckThreshold)
	assert.Equal(t, 2*time.Second, s.PollInterval(domain.StageTriage))
	// Unknown stage suffix ignored, research default survives.
	assert.Equal(t, 15*time.Second, s.PollInterval(domain.StageResearch))
}

func TestParseQueueSettingsKeepsDefaultsOnBadValues(t *testing.T) {
	s := domain.ParseQueueSettings(map[string]string{
		"retry_timeout_seconds": "not-a-number",
		"max_retry_attempts":    "-2",
	})
	assert.Equal(t, 300*time.Second, s.RetryTimeout)
	assert.Equal(t, 3, s.MaxRetryAttempts)
}

func TestRecognizedSettingKey(t *testing.T) {
	assert.True(t, domain.RecognizedSettingKey("retry_timeout_seconds"))
	assert.True(t, domain.RecognizedSettingKey("max_retry_attempts"))
	assert.True(t, domain.RecognizedSettingKey("stuck_post_threshold_minutes"))
	assert.True(t, domain.RecognizedSettingKey("poll_interval_seconds.triage"))
	assert.False(t, domain.RecognizedSettingKey("poll_interval_seconds.bogus"))
	assert.False(t, domain.RecognizedSettingKey("unknown"))
	assert.False(t, domain.RecognizedSettingKey(""))
}

func TestValidateSettingValue(t *testing.T) {
	require.NoError(t, domain.ValidateSettingValue("retry_timeout_seconds", "120"))
	assert.ErrorIs(t, domain.ValidateSettingValue("retry_timeout_seconds", "x"), domain.ErrInvalidArgument)
	assert.ErrorIs(t, domain.ValidateSettingValue("retry_timeout_seconds", "-1"), domain.ErrInvalidArgument)
	assert.ErrorIs(t, domain.ValidateSettingValue("max_retry_attempts", "101"), domain.ErrInvalidArgument)
}
