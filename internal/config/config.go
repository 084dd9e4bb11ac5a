// Package config loads bot settings from an optional YAML file and the
// environment. Environment variables always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full bot configuration.
type Config struct {
	Discord      DiscordConfig      `yaml:"discord"`
	Recognition  RecognitionConfig  `yaml:"recognition"`
	Chat         ChatConfig         `yaml:"chat"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Conversation ConversationConfig `yaml:"conversation"`
	Database     DatabaseConfig     `yaml:"database"`
	HTTP         HTTPConfig         `yaml:"http"`
	MCP          MCPConfig          `yaml:"mcp"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type DiscordConfig struct {
	Token          string   `yaml:"token"`
	GuildID        string   `yaml:"guild_id"`
	VoiceChannelID string   `yaml:"voice_channel_id"`
	AuxChannelID   string   `yaml:"aux_channel_id"`
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

type RecognitionConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Language     string `yaml:"language"`
	EndpointMs   int    `yaml:"endpointing_ms"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
}

type ChatConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	Instructions  string `yaml:"instructions"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

type SynthesisConfig struct {
	URL          string `yaml:"url"`
	Speaker      int    `yaml:"speaker"`
	TimeoutSec   int    `yaml:"timeout_sec"`
	SaveEnabled  bool   `yaml:"save_enabled"`
	SaveDir      string `yaml:"save_dir"`
	RetentionHrs int    `yaml:"retention_hours"`

	// Zero leaves the engine's value for that parameter.
	SpeedScale      float64 `yaml:"speed_scale"`
	PitchScale      float64 `yaml:"pitch_scale"`
	IntonationScale float64 `yaml:"intonation_scale"`
	VolumeScale     float64 `yaml:"volume_scale"`
	PauseScale      float64 `yaml:"pause_scale"`
}

type ConversationConfig struct {
	DecisionIntervalMs int      `yaml:"decision_interval_ms"`
	SilenceTimeoutMs   int      `yaml:"silence_timeout_ms"`
	EngagementTimeoutS int      `yaml:"engagement_timeout_s"`
	WakePhrases        []string `yaml:"wake_phrases"`
	WakeWindow         int      `yaml:"wake_window"`
	TriggerSampleRate  float64  `yaml:"trigger_sample_rate"`
	EngageGreeting     string   `yaml:"engage_greeting"`
	AudioQueueSize     int      `yaml:"audio_queue_size"`
	TimeZone           string   `yaml:"time_zone"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MCPConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Recognition: RecognitionConfig{
			URL:          "wss://api.deepgram.com/v1/listen",
			Model:        "nova-2",
			Language:     "ja",
			EndpointMs:   300,
			KeepAliveSec: 5,
		},
		Chat: ChatConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4.1",
			TimeoutSec: 60,
		},
		Synthesis: SynthesisConfig{
			URL:          "http://localhost:50021",
			Speaker:      1,
			TimeoutSec:   30,
			SaveDir:      "/app/wavs",
			RetentionHrs: 24,
		},
		Conversation: ConversationConfig{
			DecisionIntervalMs: 1000,
			SilenceTimeoutMs:   500,
			EngagementTimeoutS: 60,
			WakePhrases:        []string{"エステラ", "estella"},
			WakeWindow:         8,
			TriggerSampleRate:  0,
			EngageGreeting:     "どうしたの？",
			AudioQueueSize:     64,
			TimeZone:           "Asia/Tokyo",
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds a Config from defaults, then the YAML file at path (when path
// is non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	return cfg, nil
}

// LoadFromEnv loads using ESTELLA_CONFIG as the optional file path.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv("ESTELLA_CONFIG"))
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setList := func(dst *[]string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = splitList(v)
		}
	}

	setString(&cfg.Discord.Token, "DISCORD_BOT_TOKEN")
	setString(&cfg.Discord.GuildID, "GUILD_ID")
	setString(&cfg.Discord.VoiceChannelID, "VOICE_CHANNEL_ID")
	setString(&cfg.Discord.AuxChannelID, "AUX_CHANNEL_ID")
	setList(&cfg.Discord.AllowedUserIDs, "ALLOWED_USER_IDS")

	setString(&cfg.Recognition.URL, "DEEPGRAM_URL")
	setString(&cfg.Recognition.APIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.Recognition.Model, "DEEPGRAM_MODEL")
	setString(&cfg.Recognition.Language, "DEEPGRAM_LANGUAGE")
	setInt(&cfg.Recognition.EndpointMs, "DEEPGRAM_ENDPOINTING_MS")

	setString(&cfg.Chat.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Chat.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Chat.Model, "OPENAI_MODEL")
	setString(&cfg.Chat.FallbackModel, "OPENAI_FALLBACK_MODEL")
	setString(&cfg.Chat.Instructions, "OPENAI_INSTRUCTIONS")
	setInt(&cfg.Chat.TimeoutSec, "OPENAI_TIMEOUT_S")

	setString(&cfg.Synthesis.URL, "VOICEVOX_URL")
	setInt(&cfg.Synthesis.Speaker, "VOICEVOX_SPEAKER")
	setString(&cfg.Synthesis.SaveDir, "SAVE_AUDIO_DIR")
	setInt(&cfg.Synthesis.RetentionHrs, "SAVE_AUDIO_RETENTION_HOURS")
	if v := strings.TrimSpace(getenv("SAVE_AUDIO_ENABLED")); v != "" {
		cfg.Synthesis.SaveEnabled = parseBool(v)
	}

	setInt(&cfg.Conversation.DecisionIntervalMs, "DECISION_INTERVAL_MS")
	setInt(&cfg.Conversation.SilenceTimeoutMs, "SILENCE_TIMEOUT_MS")
	setInt(&cfg.Conversation.EngagementTimeoutS, "ENGAGEMENT_TIMEOUT_S")
	setList(&cfg.Conversation.WakePhrases, "WAKE_PHRASES")
	setInt(&cfg.Conversation.WakeWindow, "WAKE_PHRASE_WINDOW")
	setInt(&cfg.Conversation.AudioQueueSize, "AUDIO_QUEUE_SIZE")
	setString(&cfg.Conversation.TimeZone, "TZ_NAME")
	if v := strings.TrimSpace(getenv("TRIGGER_SAMPLE_RATE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Conversation.TriggerSampleRate = f
		}
	}

	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.MCP.ManifestPath, "MCP_CONFIG_PATH")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate reports every missing or out-of-range setting.
func (c Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord token is required (DISCORD_BOT_TOKEN)"))
	}
	if c.Recognition.APIKey == "" {
		errs = append(errs, errors.New("recognition api key is required (DEEPGRAM_API_KEY)"))
	}
	if c.Chat.APIKey == "" {
		errs = append(errs, errors.New("chat api key is required (OPENAI_API_KEY)"))
	}
	if c.Synthesis.URL == "" {
		errs = append(errs, errors.New("synthesis url is required (VOICEVOX_URL)"))
	}
	if c.Conversation.DecisionIntervalMs <= 0 {
		errs = append(errs, errors.New("decision_interval_ms must be positive"))
	}
	if c.Conversation.SilenceTimeoutMs <= 0 {
		errs = append(errs, errors.New("silence_timeout_ms must be positive"))
	}
	if r := c.Conversation.TriggerSampleRate; r < 0 || r > 1 {
		errs = append(errs, errors.New("trigger_sample_rate must be between 0 and 1"))
	}
	if c.Conversation.AudioQueueSize <= 0 {
		errs = append(errs, errors.New("audio_queue_size must be positive"))
	}
	return errors.Join(errs...)
}

func (c ConversationConfig) DecisionInterval() time.Duration {
	return time.Duration(c.DecisionIntervalMs) * time.Millisecond
}

func (c ConversationConfig) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMs) * time.Millisecond
}

// EngagementTimeout is zero when disabled.
func (c ConversationConfig) EngagementTimeout() time.Duration {
	if c.EngagementTimeoutS <= 0 {
		return 0
	}
	return time.Duration(c.EngagementTimeoutS) * time.Second
}

// Location resolves TimeZone, falling back to UTC.
func (c ConversationConfig) Location() *time.Location {
	if c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c SynthesisConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c SynthesisConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHrs) * time.Hour
}

func (c RecognitionConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}
