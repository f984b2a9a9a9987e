// Package config provides the configuration schema, loader, and ASR engine
// registry for the voxscribe transcription service.
package config

import "time"

// LogLevel controls log verbosity for the voxscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects where the ASR backend runs inference.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DeviceCPU || d == DeviceCUDA
}

// Config is the root configuration structure for voxscribe.
// It is built once at startup with [Load] or [LoadFromReader] and then
// treated as read-only.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	ASR      ASRConfig      `yaml:"asr"`
	Audio    AudioConfig    `yaml:"audio"`
	Subtitle SubtitleConfig `yaml:"subtitle"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Watch    WatchConfig    `yaml:"watch"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., "0.0.0.0:9000").
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`
}

// ASRConfig selects and tunes the speech recognition engine.
type ASRConfig struct {
	// Engine is the registered engine name, e.g. "whisper" or "openai".
	Engine string `yaml:"engine" env:"ASR_ENGINE"`

	// Device is the inference device. The whisper backend picks its device
	// at build time, so this is advisory for it.
	Device Device `yaml:"device" env:"ASR_DEVICE"`

	// Model is the path to the local model artifact.
	Model string `yaml:"model" env:"ASR_MODEL"`

	// DefaultLanguage is used when a request names no language.
	DefaultLanguage string `yaml:"default_language" env:"ASR_DEFAULT_LANGUAGE"`

	// IdleTimeoutSeconds unloads the model after this many seconds without
	// a successful call. Zero keeps the model loaded.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" env:"MODEL_IDLE_TIMEOUT"`

	// Preload loads the model at startup instead of on the first request.
	Preload bool `yaml:"preload" env:"ASR_PRELOAD"`

	// Threads is the inference thread count. Zero uses the backend default.
	Threads int `yaml:"threads" env:"ASR_THREADS"`
}

// IdleTimeout returns IdleTimeoutSeconds as a duration.
func (c ASRConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// AudioConfig controls upload decoding.
type AudioConfig struct {
	SampleRate     int    `yaml:"sample_rate" env:"SAMPLE_RATE"`
	FFmpegPath     string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

// SubtitleConfig holds the writer options applied to subtitle output.
type SubtitleConfig struct {
	MaxLineWidth   int  `yaml:"max_line_width" env:"SUBTITLE_MAX_LINE_WIDTH"`
	MaxLineCount   int  `yaml:"max_line_count" env:"SUBTITLE_MAX_LINE_COUNT"`
	HighlightWords bool `yaml:"highlight_words" env:"SUBTITLE_HIGHLIGHT_WORDS"`
}

// OpenAIConfig configures the remote "openai" engine.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	Model   string `yaml:"model" env:"OPENAI_MODEL"`
}

// WatchConfig enables reloading the model when its artifact changes on disk.
type WatchConfig struct {
	ModelArtifact   bool `yaml:"model_artifact" env:"ASR_WATCH_MODEL"`
	IntervalSeconds int  `yaml:"interval_seconds" env:"ASR_WATCH_INTERVAL"`
}

// Interval returns IntervalSeconds as a duration.
func (c WatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:9000",
			LogLevel:   LogInfo,
		},
		ASR: ASRConfig{
			Engine:          "whisper",
			Device:          DeviceCPU,
			Model:           "./models/ggml-base.bin",
			DefaultLanguage: "zh",
			Preload:         true,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			FFmpegPath:     "ffmpeg",
			MaxUploadBytes: 512 << 20,
		},
		Subtitle: SubtitleConfig{
			MaxLineWidth: 1000,
			MaxLineCount: 2,
		},
		OpenAI: OpenAIConfig{
			Model: "whisper-1",
		},
		Watch: WatchConfig{
			IntervalSeconds: 30,
		},
	}
}
