package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Discord.Token = "tok"
	cfg.Recognition.APIKey = "dg"
	cfg.Chat.APIKey = "sk"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{name: "missing token", mutate: func(c *Config) { c.Discord.Token = "" }, wantErr: "DISCORD_BOT_TOKEN"},
		{name: "missing deepgram key", mutate: func(c *Config) { c.Recognition.APIKey = "" }, wantErr: "DEEPGRAM_API_KEY"},
		{name: "bad interval", mutate: func(c *Config) { c.Conversation.DecisionIntervalMs = 0 }, wantErr: "decision_interval_ms"},
		{name: "bad sample rate", mutate: func(c *Config) { c.Conversation.TriggerSampleRate = 1.5 }, wantErr: "trigger_sample_rate"},
		{name: "bad queue", mutate: func(c *Config) { c.Conversation.AudioQueueSize = -1 }, wantErr: "audio_queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "estella.yaml")
	body := `
discord:
  token: file-token
  allowed_user_ids: ["1", "2"]
conversation:
  decision_interval_ms: 250
  wake_phrases: ["hey bot"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	if os.Getenv("DISCORD_BOT_TOKEN") == "" {
		assert.Equal(t, "file-token", cfg.Discord.Token)
	}
	if os.Getenv("DECISION_INTERVAL_MS") == "" {
		assert.Equal(t, 250*time.Millisecond, cfg.Conversation.DecisionInterval())
	}
	// untouched defaults survive the overlay
	assert.Equal(t, "nova-2", cfg.Recognition.Model)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conversation:\n  decision_interval_ms: [oops"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"DISCORD_BOT_TOKEN":    "env-token",
		"ALLOWED_USER_IDS":     " 10, ,20 ",
		"SILENCE_TIMEOUT_MS":   "750",
		"TRIGGER_SAMPLE_RATE":  "0.25",
		"SAVE_AUDIO_ENABLED":   "yes",
		"ENGAGEMENT_TIMEOUT_S": "0",
		"VOICEVOX_SPEAKER":     "not-a-number",
	}
	cfg := Default()
	cfg.Discord.Token = "file-token"
	applyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, "env-token", cfg.Discord.Token)
	assert.Equal(t, []string{"10", "20"}, cfg.Discord.AllowedUserIDs)
	assert.Equal(t, 750*time.Millisecond, cfg.Conversation.SilenceTimeout())
	assert.InDelta(t, 0.25, cfg.Conversation.TriggerSampleRate, 1e-9)
	assert.True(t, cfg.Synthesis.SaveEnabled)
	assert.Zero(t, cfg.Conversation.EngagementTimeout())
	assert.Equal(t, 1, cfg.Synthesis.Speaker, "unparsable ints keep the previous value")
}

func TestLocationFallback(t *testing.T) {
	c := ConversationConfig{TimeZone: "Not/AZone"}
	assert.Equal(t, time.UTC, c.Location())
	c.TimeZone = ""
	assert.Equal(t, time.UTC, c.Location())
}
