// Package config loads service configuration from flags, environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEFECT_MODEL_PATH.
const EnvPrefix = "DEFECT"

const (
	BackendLayers = "layers"
	BackendONNX   = "onnx"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	ONNX      ONNXConfig      `mapstructure:"onnx"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Inference InferenceConfig `mapstructure:"inference"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type ModelConfig struct {
	// Path is the graph description (model.json) or, for the onnx backend,
	// the .onnx file.
	Path      string `mapstructure:"path"`
	Backend   string `mapstructure:"backend"`
	ImageSize int    `mapstructure:"image_size"`
}

type ONNXConfig struct {
	LibraryPath string `mapstructure:"library_path"`
	InputName   string `mapstructure:"input_name"`
	OutputName  string `mapstructure:"output_name"`
}

type UploadConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

type InferenceConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("model.path", "public/model_js/model.json")
	v.SetDefault("model.backend", BackendLayers)
	v.SetDefault("model.image_size", 224)
	v.SetDefault("onnx.library_path", "")
	v.SetDefault("onnx.input_name", "input")
	v.SetDefault("onnx.output_name", "output")
	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.max_bytes", 10<<20)
	v.SetDefault("inference.timeout", 30*time.Second)
	v.SetDefault("inference.max_concurrent", runtime.NumCPU())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// BindFlags registers the command-line flags Load understands.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("model-path", "public/model_js/model.json", "model description path")
	fs.String("backend", BackendLayers, "inference backend (layers|onnx)")
	fs.String("log-level", "info", "log level")
}

// Load resolves configuration with precedence flags > environment > file >
// defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	if fs != nil {
		for key, flag := range map[string]string{
			"server.port":   "port",
			"model.path":    "model-path",
			"model.backend": "backend",
			"log.level":     "log-level",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	switch c.Model.Backend {
	case BackendLayers, BackendONNX:
	default:
		errs = append(errs, fmt.Errorf("model.backend must be %q or %q, got %q", BackendLayers, BackendONNX, c.Model.Backend))
	}
	if c.Model.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("model.image_size must be positive, got %d", c.Model.ImageSize))
	}
	if c.Upload.Dir == "" {
		errs = append(errs, errors.New("upload.dir is required"))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes))
	}
	if c.Inference.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("inference.timeout must be positive, got %s", c.Inference.Timeout))
	}
	if c.Inference.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("inference.max_concurrent must be positive, got %d", c.Inference.MaxConcurrent))
	}
	return errors.Join(errs...)
}
