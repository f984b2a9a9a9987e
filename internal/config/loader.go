package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxscribe/internal/asr"
)

// KnownEngines lists the engine names shipped with voxscribe.
// Used by [Validate] to warn about unrecognised engine names.
var KnownEngines = []string{"whisper", "openai"}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the corresponding field untouched.
func ApplyEnv(cfg *Config) error {
	return ApplyEnvFrom(cfg, nil)
}

// ApplyEnvFrom is [ApplyEnv] reading from the given variables instead of the
// process environment. A nil map reads the process environment.
func ApplyEnvFrom(cfg *Config, vars map[string]string) error {
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// ASR
	if cfg.ASR.Engine == "" {
		errs = append(errs, errors.New("asr.engine is required"))
	} else if !slices.Contains(KnownEngines, cfg.ASR.Engine) {
		slog.Warn("unknown ASR engine name; may be a typo or third-party engine",
			"name", cfg.ASR.Engine,
			"known", KnownEngines,
		)
	}
	if cfg.ASR.Device != "" && !cfg.ASR.Device.IsValid() {
		errs = append(errs, fmt.Errorf("asr.device %q is invalid; valid values: cpu, cuda", cfg.ASR.Device))
	}
	if !asr.IsSupportedLanguage(cfg.ASR.DefaultLanguage) {
		errs = append(errs, fmt.Errorf("asr.default_language %q is not supported; valid values: %v", cfg.ASR.DefaultLanguage, asr.LanguageCodes()))
	}
	if cfg.ASR.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("asr.idle_timeout_seconds %d must not be negative", cfg.ASR.IdleTimeoutSeconds))
	}
	if cfg.ASR.Threads < 0 {
		errs = append(errs, fmt.Errorf("asr.threads %d must not be negative", cfg.ASR.Threads))
	}
	if cfg.ASR.Engine == "whisper" && cfg.ASR.Model == "" {
		errs = append(errs, errors.New("asr.model is required for the whisper engine"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_upload_bytes %d must be positive", cfg.Audio.MaxUploadBytes))
	}

	// Subtitle
	if cfg.Subtitle.MaxLineWidth < 0 || cfg.Subtitle.MaxLineCount < 0 {
		errs = append(errs, errors.New("subtitle line limits must not be negative"))
	}

	// OpenAI
	if cfg.ASR.Engine == "openai" && cfg.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required for the openai engine"))
	}

	// Watch
	if cfg.Watch.ModelArtifact {
		if cfg.Watch.IntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("watch.interval_seconds %d must be positive", cfg.Watch.IntervalSeconds))
		}
		if cfg.ASR.Engine != "whisper" {
			slog.Warn("watch.model_artifact has no effect for remote engines", "engine", cfg.ASR.Engine)
		}
	}

	return errors.Join(errs...)
}
