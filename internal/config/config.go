// Package config provides configuration management for streamscribe using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultBufferSizeSeconds  = 6
	defaultChannelRetrySecs   = 20
	defaultRelayTimeout       = 60 * time.Second
	defaultProbeTimeout       = 30 * time.Second
	defaultTranscriptionModel = "base"
	defaultDevice             = "cpu"
	defaultComputeType        = "int8"
	defaultArchiveRetention   = 5
	defaultHealthListen       = "127.0.0.1:8099"
)

// MediaType identifies what kind of media is captured and uploaded for a key.
type MediaType string

// Media types accepted in streamer configuration.
const (
	MediaNone  MediaType = "none"
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// Valid reports whether the media type is one of the known values.
func (m MediaType) Valid() bool {
	switch m {
	case MediaNone, MediaAudio, MediaVideo:
		return true
	}
	return false
}

// Config holds all configuration for the application.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Streamers     []StreamerConfig    `mapstructure:"streamers"`
	IDBlacklist   []string            `mapstructure:"id_blacklist"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Downloader    DownloaderConfig    `mapstructure:"downloader"`
	FFmpeg        FFmpegConfig        `mapstructure:"ffmpeg"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Health        HealthConfig        `mapstructure:"health"`
}

// ServerConfig holds relay server connection configuration.
type ServerConfig struct {
	// Enabled toggles all relay communication. When false the transcript
	// is written to a local text file instead.
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"apikey"`

	// BufferSizeSeconds is the target duration of each media chunk.
	BufferSizeSeconds int `mapstructure:"buffer_size_seconds"`

	// SecondsBetweenChannelRetry is the base delay between liveness probes
	// for the same key. A small random jitter is added at runtime.
	SecondsBetweenChannelRetry int `mapstructure:"seconds_between_channel_retry"`

	// Timeout is the HTTP timeout for relay calls.
	Timeout time.Duration `mapstructure:"timeout"`
}

// TranscriptionConfig holds ASR engine configuration.
type TranscriptionConfig struct {
	Model       string `mapstructure:"model"`
	Device      string `mapstructure:"device"`
	ComputeType string `mapstructure:"compute_type"`

	// VADModel is the voice-activity detection model file. Empty
	// disables the VAD pass.
	VADModel string `mapstructure:"vad_model"`
}

// StreamerConfig describes one watched channel.
type StreamerConfig struct {
	Key       string    `mapstructure:"key"`
	URLs      []string  `mapstructure:"urls"`
	Active    bool      `mapstructure:"active"`
	MediaType MediaType `mapstructure:"media_type"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	// BaseDir is the root under which per-key state, transcripts, upload
	// queues and DASH working directories live.
	BaseDir string `mapstructure:"base_dir"`
}

// DownloaderConfig holds the external stream downloader configuration.
type DownloaderConfig struct {
	// Path to the yt-dlp binary (empty = look up "yt-dlp" on PATH).
	Path string `mapstructure:"path"`

	// ProbeTimeout bounds the metadata probe subprocess.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg (empty = auto-detect)
	ProbePath  string `mapstructure:"probe_path"`  // Path to ffprobe (empty = auto-detect)
}

// ArchiveConfig controls transcript archive rotation on stream reset.
type ArchiveConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Retention int  `mapstructure:"retention"` // number of compressed archives to keep per key
}

// HealthConfig holds the optional local health endpoint configuration.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with STREAMSCRIBE_ using underscores for nesting.
// Example: STREAMSCRIBE_SERVER_URL=http://relay:8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/streamscribe")
	}

	v.SetEnvPrefix("STREAMSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Relay server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.apikey", "")
	v.SetDefault("server.buffer_size_seconds", defaultBufferSizeSeconds)
	v.SetDefault("server.seconds_between_channel_retry", defaultChannelRetrySecs)
	v.SetDefault("server.timeout", defaultRelayTimeout)

	// Transcription defaults
	v.SetDefault("transcription.model", defaultTranscriptionModel)
	v.SetDefault("transcription.device", defaultDevice)
	v.SetDefault("transcription.compute_type", defaultComputeType)
	v.SetDefault("transcription.vad_model", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Storage defaults
	v.SetDefault("storage.base_dir", "tmp")

	// Downloader defaults
	v.SetDefault("downloader.path", "")
	v.SetDefault("downloader.probe_timeout", defaultProbeTimeout)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.retention", defaultArchiveRetention)

	// Health endpoint defaults
	v.SetDefault("health.enabled", false)
	v.SetDefault("health.listen", defaultHealthListen)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.BufferSizeSeconds < 1 {
		return fmt.Errorf("server.buffer_size_seconds must be at least 1")
	}
	if c.Server.SecondsBetweenChannelRetry < 1 {
		return fmt.Errorf("server.seconds_between_channel_retry must be at least 1")
	}
	if c.Server.Enabled && c.Server.URL == "" {
		return fmt.Errorf("server.url is required when server.enabled is true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	seen := map[string]bool{}
	for i, s := range c.Streamers {
		if s.Key == "" {
			return fmt.Errorf("streamers[%d].key is required", i)
		}
		if seen[s.Key] {
			return fmt.Errorf("streamers[%d].key %q is duplicated", i, s.Key)
		}
		seen[s.Key] = true
		if len(s.URLs) == 0 {
			return fmt.Errorf("streamers[%d] (%s): at least one url is required", i, s.Key)
		}
		if s.MediaType != "" && !s.MediaType.Valid() {
			return fmt.Errorf("streamers[%d] (%s): media_type must be one of: none, audio, video", i, s.Key)
		}
	}

	if c.Archive.Enabled && c.Archive.Retention < 1 {
		return fmt.Errorf("archive.retention must be at least 1 when archiving is enabled")
	}

	return nil
}

// ActiveStreamers returns the streamers marked active.
func (c *Config) ActiveStreamers() []StreamerConfig {
	var out []StreamerConfig
	for _, s := range c.Streamers {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns every configured streamer key regardless of active state.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.Streamers))
	for _, s := range c.Streamers {
		keys = append(keys, s.Key)
	}
	return keys
}

// StreamerMediaType returns the configured media type for a key,
// defaulting to none when unset or unknown.
func (c *Config) StreamerMediaType(key string) MediaType {
	for _, s := range c.Streamers {
		if s.Key == key {
			if s.MediaType.Valid() {
				return s.MediaType
			}
			return MediaNone
		}
	}
	return MediaNone
}

// Blacklisted reports whether the stream id is on the configured blacklist.
func (c *Config) Blacklisted(streamID string) bool {
	for _, id := range c.IDBlacklist {
		if id == streamID {
			return true
		}
	}
	return false
}
