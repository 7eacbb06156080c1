package configs

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModelName   = "gemini-1.5-flash"
	DefaultDatabaseURL = "sqlite://data/vision.db"
)

// ConfigError 启动时的配置错误，出现时进程不应继续提供服务
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

// Config 主配置结构
type Config struct {
	Server struct {
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
		Auth struct {
			Enabled bool   `yaml:"enabled"`
			Secret  string `yaml:"secret"`
		} `yaml:"auth"`
	} `yaml:"server"`

	Log struct {
		LogFormat string `yaml:"log_format"`
		LogLevel  string `yaml:"log_level"`
		LogDir    string `yaml:"log_dir"`
		LogFile   string `yaml:"log_file"`
	} `yaml:"log"`

	Web struct {
		Port int `yaml:"port"`
	} `yaml:"web"`

	DatabaseURL string `yaml:"database_url"`

	Image   ImageConfig   `yaml:"image"`
	Capture CaptureConfig `yaml:"capture"`

	SelectedModule map[string]string     `yaml:"selected_module"`
	VLLLM          map[string]VLLMConfig `yaml:"VLLLM"`
}

// ImageConfig 图片规范化配置
type ImageConfig struct {
	JPEGQuality  int `yaml:"jpeg_quality"`
	MaxDimension int `yaml:"max_dimension"` // 0 表示不缩放
}

// CaptureConfig 本地摄像头配置
type CaptureConfig struct {
	Device      string        `yaml:"device"`
	InputFormat string        `yaml:"input_format"`
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	Warmup      time.Duration `yaml:"warmup"`
}

// SecurityConfig 图片安全配置结构
type SecurityConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`   // 最大文件大小（字节）
	MaxPixels      int64    `yaml:"max_pixels"`      // 最大像素数量
	MaxWidth       int      `yaml:"max_width"`       // 最大宽度
	MaxHeight      int      `yaml:"max_height"`      // 最大高度
	AllowedFormats []string `yaml:"allowed_formats"` // 允许的图片格式
}

// VLLMConfig VLLLM配置结构（视觉语言大模型）
type VLLMConfig struct {
	Type        string                 `yaml:"type"`
	ModelName   string                 `yaml:"model_name"`
	BaseURL     string                 `yaml:"url"`
	APIKey      string                 `yaml:"api_key"`
	Temperature float64                `yaml:"temperature"`
	MaxTokens   int                    `yaml:"max_tokens"`
	TopP        float64                `yaml:"top_p"`
	Timeout     time.Duration          `yaml:"timeout"` // 0 表示不设超时
	Security    SecurityConfig         `yaml:"security"`
	Extra       map[string]interface{} `yaml:",inline"`
}

// Default 返回未提供配置文件时使用的配置
func Default() *Config {
	c := &Config{}
	c.Server.IP = "0.0.0.0"
	c.Server.Port = 8000
	c.Web.Port = 8080
	c.Log.LogLevel = "info"
	c.Log.LogDir = "logs"
	c.Log.LogFile = "server.log"
	c.DatabaseURL = DefaultDatabaseURL
	c.Image.JPEGQuality = 90
	c.Capture.Device = "/dev/video0"
	c.Capture.InputFormat = "v4l2"
	c.Capture.FFmpegPath = "ffmpeg"
	c.Capture.Warmup = 2 * time.Second
	c.SelectedModule = map[string]string{"VLLLM": "gemini"}
	c.VLLLM = map[string]VLLMConfig{
		"gemini": {
			Type:      "gemini",
			ModelName: DefaultModelName,
			Security:  DefaultSecurity(),
		},
	}
	return c
}

// DefaultSecurity 默认图片限制
func DefaultSecurity() SecurityConfig {
	return SecurityConfig{
		MaxFileSize:    10 * 1024 * 1024,
		MaxPixels:      40_000_000,
		MaxWidth:       8192,
		MaxHeight:      8192,
		AllowedFormats: []string{"jpeg", "png", "gif", "bmp", "tiff", "webp"},
	}
}

// LoadConfig 从文件加载配置，文件不存在时使用默认配置，随后应用环境变量并校验
func LoadConfig() (*Config, string, error) {
	path := ".config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "config.yaml"
	}

	config := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		path = ""
	case err != nil:
		return nil, path, err
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, path, err
		}
	}

	config.ApplyEnv(os.Getenv)
	if err := config.Validate(); err != nil {
		return nil, path, err
	}
	return config, path, nil
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv(getenv func(string) string) {
	if dsn := getenv("DATABASE_URL"); dsn != "" {
		c.DatabaseURL = dsn
	}

	name := c.SelectedModule["VLLLM"]
	vcfg, ok := c.VLLLM[name]
	if !ok {
		return
	}
	if model := getenv("MODEL_NAME"); model != "" {
		vcfg.ModelName = model
	}
	if strings.EqualFold(vcfg.Type, "gemini") {
		if key := getenv("GOOGLE_API_KEY"); key != "" {
			vcfg.APIKey = key
		}
		if vcfg.ModelName == "" {
			vcfg.ModelName = DefaultModelName
		}
	}
	c.VLLLM[name] = vcfg
}

// Validate 检查启动必需的配置
func (c *Config) Validate() error {
	name := c.SelectedModule["VLLLM"]
	if name == "" {
		return &ConfigError{Key: "selected_module.VLLLM", Message: "no vision model selected"}
	}
	vcfg, ok := c.VLLLM[name]
	if !ok {
		return &ConfigError{Key: "VLLLM." + name, Message: "selected vision model is not configured"}
	}
	if strings.EqualFold(vcfg.Type, "gemini") && vcfg.APIKey == "" {
		return &ConfigError{Key: "GOOGLE_API_KEY", Message: "environment variable not set"}
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Secret == "" {
		return &ConfigError{Key: "server.auth.secret", Message: "auth is enabled without a secret"}
	}
	if c.Image.JPEGQuality < 1 || c.Image.JPEGQuality > 100 {
		c.Image.JPEGQuality = 90
	}
	return nil
}

// SelectedVLLM 返回当前选中的视觉模型配置
func (c *Config) SelectedVLLM() (string, VLLMConfig) {
	name := c.SelectedModule["VLLLM"]
	vcfg := c.VLLLM[name]
	if vcfg.Security.MaxFileSize == 0 {
		vcfg.Security = DefaultSecurity()
	}
	return name, vcfg
}
