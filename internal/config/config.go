package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SDTURBINE"

type Config struct {
	Model    ModelConfig   `mapstructure:"model"`
	Export   ExportConfig  `mapstructure:"export"`
	Compile  CompileConfig `mapstructure:"compile"`
	Upload   UploadConfig  `mapstructure:"upload"`
	LogLevel string        `mapstructure:"log_level"`
}

type ModelConfig struct {
	Name      string `mapstructure:"name"`
	AuthToken string `mapstructure:"auth_token"`
	Dir       string `mapstructure:"dir"`
	Revision  string `mapstructure:"revision"`
	Variant   string `mapstructure:"variant"`
}

type ExportConfig struct {
	BatchSize          int    `mapstructure:"batch_size"`
	Height             int    `mapstructure:"height"`
	Width              int    `mapstructure:"width"`
	Precision          string `mapstructure:"precision"`
	MaxLength          int    `mapstructure:"max_length"`
	CompileTo          string `mapstructure:"compile_to"`
	ExternalWeights    string `mapstructure:"external_weights"`
	ExternalWeightPath string `mapstructure:"external_weight_path"`
	DecomposeAttention bool   `mapstructure:"decompose_attention"`
	OutDir             string `mapstructure:"out_dir"`
}

type CompileConfig struct {
	Binary        string `mapstructure:"binary"`
	Device        string `mapstructure:"device"`
	TargetTriple  string `mapstructure:"target_triple"`
	MaxAllocation int64  `mapstructure:"max_allocation"`
}

type UploadConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Container        string `mapstructure:"container"`
	ConnectionString string `mapstructure:"connection_string"`
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
		Model: ModelConfig{
			Name:     "CompVis/stable-diffusion-v1-4",
			Dir:      "models",
			Revision: "main",
			Variant:  "fp16",
		},
		Export: ExportConfig{
			BatchSize:          1,
			Height:             512,
			Width:              512,
			Precision:          "fp16",
			MaxLength:          77,
			CompileTo:          "torch",
			DecomposeAttention: true,
			OutDir:             ".",
		},
		Compile: CompileConfig{
			Binary:        "iree-compile",
			Device:        "cpu",
			MaxAllocation: 4294967296,
		},
		Upload: UploadConfig{
			Container: "tankturbine",
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("hf-model-name", defaults.Model.Name, "Hugging Face model id to export")
	fs.String("hf-auth-token", defaults.Model.AuthToken, "Hugging Face token (falls back to HF_TOKEN env var)")
	fs.String("models-dir", defaults.Model.Dir, "Directory holding downloaded model files")
	fs.String("hf-revision", defaults.Model.Revision, "Hugging Face revision to download")
	fs.String("hf-variant", defaults.Model.Variant, "Checkpoint variant to prefer (e.g. fp16); empty for the plain checkpoint")
	fs.Int("batch-size", defaults.Export.BatchSize, "Batch size of the exported entry point")
	fs.Int("height", defaults.Export.Height, "Image height in pixels")
	fs.Int("width", defaults.Export.Width, "Image width in pixels")
	fs.String("precision", defaults.Export.Precision, "Export precision (fp16|fp32)")
	fs.Int("max-length", defaults.Export.MaxLength, "Text encoder sequence length")
	fs.String("compile-to", defaults.Export.CompileTo, "Final stage (torch|linalg|vmfb)")
	fs.String("external-weights", defaults.Export.ExternalWeights, "Externalize weights into a file of this format (\"\"|safetensors)")
	fs.String("external-weight-path", defaults.Export.ExternalWeightPath, "Path of the externalized weights file")
	fs.Bool("decompose-attention", defaults.Export.DecomposeAttention, "Decompose fused attention into matmul and softmax")
	fs.String("out-dir", defaults.Export.OutDir, "Directory for exported artifacts")
	fs.String("iree-compile", defaults.Compile.Binary, "Path to the iree-compile executable")
	fs.String("device", defaults.Compile.Device, "Target device (cpu|vulkan|rocm|cuda)")
	fs.String("iree-target-triple", defaults.Compile.TargetTriple, "Target triple or chip for the device")
	fs.Int64("vulkan-max-allocation", defaults.Compile.MaxAllocation, "Max single allocation in bytes for vulkan")
	fs.Bool("upload-ir", defaults.Upload.Enabled, "Upload the exported module to Azure blob storage")
	fs.String("upload-container", defaults.Upload.Container, "Azure blob container for uploads")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("model.auth_token", EnvPrefix+"_HF_AUTH_TOKEN", "HF_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind hf token env vars: %w", err)
	}
	if err := v.BindEnv("upload.connection_string", EnvPrefix+"_AZURE_CONNECTION_STRING", "AZURE_CONNECTION_STRING"); err != nil {
		return Config{}, fmt.Errorf("bind azure env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("sdturbine")
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

// ParseLogLevel maps a --log-level value to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("model.name", c.Model.Name)
	v.SetDefault("model.auth_token", c.Model.AuthToken)
	v.SetDefault("model.dir", c.Model.Dir)
	v.SetDefault("model.revision", c.Model.Revision)
	v.SetDefault("model.variant", c.Model.Variant)
	v.SetDefault("export.batch_size", c.Export.BatchSize)
	v.SetDefault("export.height", c.Export.Height)
	v.SetDefault("export.width", c.Export.Width)
	v.SetDefault("export.precision", c.Export.Precision)
	v.SetDefault("export.max_length", c.Export.MaxLength)
	v.SetDefault("export.compile_to", c.Export.CompileTo)
	v.SetDefault("export.external_weights", c.Export.ExternalWeights)
	v.SetDefault("export.external_weight_path", c.Export.ExternalWeightPath)
	v.SetDefault("export.decompose_attention", c.Export.DecomposeAttention)
	v.SetDefault("export.out_dir", c.Export.OutDir)
	v.SetDefault("compile.binary", c.Compile.Binary)
	v.SetDefault("compile.device", c.Compile.Device)
	v.SetDefault("compile.target_triple", c.Compile.TargetTriple)
	v.SetDefault("compile.max_allocation", c.Compile.MaxAllocation)
	v.SetDefault("upload.enabled", c.Upload.Enabled)
	v.SetDefault("upload.container", c.Upload.Container)
	v.SetDefault("upload.connection_string", c.Upload.ConnectionString)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys binds each command-line flag to its nested config key, so a value
// may come from a flag, a SDTURBINE_* variable or the config file.
var flagKeys = []struct{ key, flag string }{
	{"model.name", "hf-model-name"},
	{"model.auth_token", "hf-auth-token"},
	{"model.dir", "models-dir"},
	{"model.revision", "hf-revision"},
	{"model.variant", "hf-variant"},
	{"export.batch_size", "batch-size"},
	{"export.height", "height"},
	{"export.width", "width"},
	{"export.precision", "precision"},
	{"export.max_length", "max-length"},
	{"export.compile_to", "compile-to"},
	{"export.external_weights", "external-weights"},
	{"export.external_weight_path", "external-weight-path"},
	{"export.decompose_attention", "decompose-attention"},
	{"export.out_dir", "out-dir"},
	{"compile.binary", "iree-compile"},
	{"compile.device", "device"},
	{"compile.target_triple", "iree-target-triple"},
	{"compile.max_allocation", "vulkan-max-allocation"},
	{"upload.enabled", "upload-ir"},
	{"upload.container", "upload-container"},
	{"log_level", "log-level"},
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", fk.flag, err)
		}
	}

	return nil
}
