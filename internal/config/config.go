// Package config loads the process configuration from flags, environment
// variables, and an optional config file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-pocket-stt/internal/decode"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Server   ServerConfig  `mapstructure:"server"`
	STT      STTConfig     `mapstructure:"stt"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelDir     string `mapstructure:"model_dir"`
	ONNXManifest string `mapstructure:"onnx_manifest"`
	VADModel     string `mapstructure:"vad_model"`
}

type RuntimeConfig struct {
	Backend        string `mapstructure:"backend"`
	Workers        int    `mapstructure:"workers"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_secs"`
	MaxAudioBytes   int    `mapstructure:"max_audio_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout_secs"`
}

type STTConfig struct {
	Task                      string  `mapstructure:"task"`
	Language                  string  `mapstructure:"language"`
	Temperature               float64 `mapstructure:"temperature"`
	TemperatureFallbackCount  int     `mapstructure:"temperature_fallback_count"`
	TemperatureFallbackStep   float64 `mapstructure:"temperature_fallback_step"`
	TopK                      int     `mapstructure:"top_k"`
	SampleLength              int     `mapstructure:"sample_length"`
	WithoutTimestamps         bool    `mapstructure:"without_timestamps"`
	WordTimestamps            bool    `mapstructure:"word_timestamps"`
	NoSpeechThreshold         float64 `mapstructure:"no_speech_threshold"`
	LogprobThreshold          float64 `mapstructure:"logprob_threshold"`
	CompressionRatioThreshold float64 `mapstructure:"compression_ratio_threshold"`
	ChunkingStrategy          string  `mapstructure:"chunking_strategy"`
	ConcurrentWorkerCount     int     `mapstructure:"concurrent_worker_count"`
}

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// NormalizeBackend canonicalizes a backend name.
func NormalizeBackend(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", BackendNative, "native-safetensors":
		return BackendNative, nil
	case BackendONNX, "native-onnx":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("config: unsupported backend %q (want native|onnx)", s)
	}
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelDir:     "models/base",
			ONNXManifest: "models/onnx/manifest.json",
			VADModel:     "models/silero_vad.onnx",
		},
		Runtime: RuntimeConfig{
			Backend:        BackendNative,
			Workers:        4,
			ORTLibraryPath: "",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			ShutdownTimeout: 30,
			MaxAudioBytes:   64 << 20,
			RequestTimeout:  300,
		},
		STT: STTConfig{
			Task:                      "transcribe",
			Language:                  "auto",
			Temperature:               0,
			TemperatureFallbackCount:  5,
			TemperatureFallbackStep:   0.2,
			TopK:                      5,
			SampleLength:              0,
			NoSpeechThreshold:         0.6,
			LogprobThreshold:          -1.0,
			CompressionRatioThreshold: 2.4,
			ChunkingStrategy:          "none",
			ConcurrentWorkerCount:     1,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-dir", defaults.Paths.ModelDir, "Model artifact directory (config.json, checkpoints, tokenizer)")
	fs.String("paths-onnx-manifest", defaults.Paths.ONNXManifest, "Path to ONNX graph manifest JSON (onnx backend)")
	fs.String("paths-vad-model", defaults.Paths.VADModel, "Path to Silero VAD ONNX model (vad chunking)")
	fs.String("backend", defaults.Runtime.Backend, "Inference backend (native|onnx)")
	fs.Int("runtime-workers", defaults.Runtime.Workers, "Parallel goroutines for tensor kernels (1 = sequential)")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent transcriptions for serve command")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain timeout in seconds")
	fs.Int("max-audio-bytes", defaults.Server.MaxAudioBytes, "Maximum uploaded audio size in bytes")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request transcription timeout in seconds")
	fs.String("task", defaults.STT.Task, "Task (transcribe|translate)")
	fs.String("language", defaults.STT.Language, "Source language ISO code, or auto")
	fs.Float64("temperature", defaults.STT.Temperature, "Initial sampling temperature")
	fs.Int("temperature-fallback-count", defaults.STT.TemperatureFallbackCount, "Max temperature increases before accepting a window")
	fs.Float64("temperature-fallback-step", defaults.STT.TemperatureFallbackStep, "Temperature increase per fallback")
	fs.Int("top-k", defaults.STT.TopK, "Top-k cutoff for multinomial sampling")
	fs.Int("sample-length", defaults.STT.SampleLength, "Max sampled tokens per window (0 = context limit)")
	fs.Bool("without-timestamps", defaults.STT.WithoutTimestamps, "Decode without timestamp tokens")
	fs.Bool("word-timestamps", defaults.STT.WordTimestamps, "Align per-word timestamps")
	fs.Float64("no-speech-threshold", defaults.STT.NoSpeechThreshold, "Skip windows whose no-speech probability exceeds this")
	fs.Float64("logprob-threshold", defaults.STT.LogprobThreshold, "Retry windows whose mean logprob falls below this")
	fs.Float64("compression-ratio-threshold", defaults.STT.CompressionRatioThreshold, "Retry windows whose text compresses better than this")
	fs.String("chunking-strategy", defaults.STT.ChunkingStrategy, "Silence skipping (none|vad)")
	fs.Int("concurrent-worker-count", defaults.STT.ConcurrentWorkerCount, "Parallel clip workers")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("POCKETSTT")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "POCKETSTT_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("pocketstt")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_dir", c.Paths.ModelDir)
	v.SetDefault("paths.onnx_manifest", c.Paths.ONNXManifest)
	v.SetDefault("paths.vad_model", c.Paths.VADModel)
	v.SetDefault("runtime.backend", c.Runtime.Backend)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.shutdown_timeout_secs", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_audio_bytes", c.Server.MaxAudioBytes)
	v.SetDefault("server.request_timeout_secs", c.Server.RequestTimeout)
	v.SetDefault("stt.task", c.STT.Task)
	v.SetDefault("stt.language", c.STT.Language)
	v.SetDefault("stt.temperature", c.STT.Temperature)
	v.SetDefault("stt.temperature_fallback_count", c.STT.TemperatureFallbackCount)
	v.SetDefault("stt.temperature_fallback_step", c.STT.TemperatureFallbackStep)
	v.SetDefault("stt.top_k", c.STT.TopK)
	v.SetDefault("stt.sample_length", c.STT.SampleLength)
	v.SetDefault("stt.without_timestamps", c.STT.WithoutTimestamps)
	v.SetDefault("stt.word_timestamps", c.STT.WordTimestamps)
	v.SetDefault("stt.no_speech_threshold", c.STT.NoSpeechThreshold)
	v.SetDefault("stt.logprob_threshold", c.STT.LogprobThreshold)
	v.SetDefault("stt.compression_ratio_threshold", c.STT.CompressionRatioThreshold)
	v.SetDefault("stt.chunking_strategy", c.STT.ChunkingStrategy)
	v.SetDefault("stt.concurrent_worker_count", c.STT.ConcurrentWorkerCount)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.model_dir", "paths-model-dir")
	v.RegisterAlias("paths.onnx_manifest", "paths-onnx-manifest")
	v.RegisterAlias("paths.vad_model", "paths-vad-model")
	v.RegisterAlias("runtime.backend", "backend")
	v.RegisterAlias("runtime.workers", "runtime-workers")
	v.RegisterAlias("runtime.ort_library_path", "runtime-ort-library-path")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.workers", "workers")
	v.RegisterAlias("server.shutdown_timeout_secs", "shutdown-timeout")
	v.RegisterAlias("server.max_audio_bytes", "max-audio-bytes")
	v.RegisterAlias("server.request_timeout_secs", "request-timeout")
	v.RegisterAlias("stt.task", "task")
	v.RegisterAlias("stt.language", "language")
	v.RegisterAlias("stt.temperature", "temperature")
	v.RegisterAlias("stt.temperature_fallback_count", "temperature-fallback-count")
	v.RegisterAlias("stt.temperature_fallback_step", "temperature-fallback-step")
	v.RegisterAlias("stt.top_k", "top-k")
	v.RegisterAlias("stt.sample_length", "sample-length")
	v.RegisterAlias("stt.without_timestamps", "without-timestamps")
	v.RegisterAlias("stt.word_timestamps", "word-timestamps")
	v.RegisterAlias("stt.no_speech_threshold", "no-speech-threshold")
	v.RegisterAlias("stt.logprob_threshold", "logprob-threshold")
	v.RegisterAlias("stt.compression_ratio_threshold", "compression-ratio-threshold")
	v.RegisterAlias("stt.chunking_strategy", "chunking-strategy")
	v.RegisterAlias("stt.concurrent_worker_count", "concurrent-worker-count")
	v.RegisterAlias("log_level", "log-level")
}

// DecodingOptions converts the STT config section into pipeline options.
func (c STTConfig) DecodingOptions() decode.Options {
	opts := decode.DefaultOptions()

	opts.Task = decode.Task(c.Task)
	opts.Language = c.Language
	opts.Temperature = c.Temperature
	opts.TemperatureFallbackCount = c.TemperatureFallbackCount
	opts.TemperatureFallbackStep = c.TemperatureFallbackStep
	opts.TopK = c.TopK
	opts.SampleLength = c.SampleLength
	opts.WithoutTimestamps = c.WithoutTimestamps
	opts.WordTimestamps = c.WordTimestamps
	opts.NoSpeechThreshold = decode.Float(c.NoSpeechThreshold)
	opts.LogprobThreshold = decode.Float(c.LogprobThreshold)
	opts.CompressionRatioThreshold = decode.Float(c.CompressionRatioThreshold)
	opts.ChunkingStrategy = decode.ChunkingStrategy(c.ChunkingStrategy)
	opts.ConcurrentWorkerCount = c.ConcurrentWorkerCount

	return opts
}
