package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 是配置的根结构体
type Config struct {
	Server  ServerConfig             `yaml:"server"`
	Logging LoggingConfig            `yaml:"logging"`
	Store   StoreConfig              `yaml:"store"`
	Session SessionConfig            `yaml:"session"`
	Janitor JanitorConfig            `yaml:"janitor"`
	Wechat  map[string]WechatAccount `yaml:"wechat"`
	Wework  map[string]WeworkCorp    `yaml:"wework"`
}

// ServerConfig 包含服务器相关配置
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console | json
	OutputPath string `yaml:"output_path"`
}

// StoreDriver 令牌/会话存储类型
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreFile   StoreDriver = "file"
	StoreRedis  StoreDriver = "redis"
)

// StoreConfig 令牌与会话的存储配置
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	Dir    string      `yaml:"dir"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SessionConfig 网页授权会话配置
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	OpenIDCookie string        `yaml:"openid_cookie"`
	UserIDCookie string        `yaml:"userid_cookie"`
	Keys         []string      `yaml:"keys"`
	Secure       bool          `yaml:"secure"`
	// 允许跳转的外部域名, 相对路径与当前域名始终允许
	RedirectHosts []string `yaml:"redirect_hosts"`
}

// JanitorConfig 过期令牌文件清理配置
type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// WechatAccount 公众号配置
type WechatAccount struct {
	AppID          string `yaml:"appid"`
	Secret         string `yaml:"secret"`
	Token          string `yaml:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`
}

// WeworkCorp 企业微信配置, AppID 即 CorpID
type WeworkCorp struct {
	AppID  string        `yaml:"appid"`
	Agents []WeworkAgent `yaml:"agents"`
}

// WeworkAgent 企业微信应用配置
type WeworkAgent struct {
	AgentID        string `yaml:"agentid"`
	Name           string `yaml:"name"`
	Secret         string `yaml:"secret"`
	Token          string `yaml:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`
}

const (
	DefaultAddr         = ":8000"
	DefaultTokenDir     = ".cache/access_tokens"
	DefaultSessionTTL   = 1200 * time.Second
	DefaultOpenIDCookie = "m_openid"
	DefaultUserIDCookie = "m_userid"
	DefaultInterval     = time.Minute
	DefaultMaxAge       = 2 * time.Hour
)

var ErrConfigNotFound = errors.New("无法找到配置文件")

// Load 加载配置, path 为空时按顺序查找候选路径
func Load(path string) (*Config, error) {
	// .env 不存在时忽略, 使用系统环境变量
	_ = godotenv.Load()

	configPaths := []string{path}
	if path == "" {
		configPaths = []string{
			"config.yml",    // 当前目录
			"../config.yml", // 上级目录
			filepath.Join(os.Getenv("HOME"), "config.yml"), // 用户主目录
		}
	}

	var configData []byte
	var err error
	for _, p := range configPaths {
		configData, err = os.ReadFile(p)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
	}
	return Parse(configData)
}

// Parse 解析 YAML 配置, 支持 ${VAR} 形式引用环境变量
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv 只替换 ${NAME}, 其余 $ 原样保留, 避免密钥中的 $ 被吞掉
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// setDefaultConfig 为未填写的字段设置默认值
func setDefaultConfig(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreFile
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = DefaultTokenDir
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = DefaultSessionTTL
	}
	if cfg.Session.OpenIDCookie == "" {
		cfg.Session.OpenIDCookie = DefaultOpenIDCookie
	}
	if cfg.Session.UserIDCookie == "" {
		cfg.Session.UserIDCookie = DefaultUserIDCookie
	}
	if cfg.Janitor.Interval == 0 {
		cfg.Janitor.Interval = DefaultInterval
	}
	if cfg.Janitor.MaxAge == 0 {
		cfg.Janitor.MaxAge = DefaultMaxAge
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr 不能为空")
		}
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Store.Driver)
	}

	seen := make(map[string]string)
	for name, item := range c.Wechat {
		if item.AppID == "" || item.Secret == "" {
			return fmt.Errorf("公众号 %s 缺失 appid 或 secret", name)
		}
		if other, ok := seen[item.AppID]; ok {
			return fmt.Errorf("公众号 %s 与 %s 的 appid 重复: %s", name, other, item.AppID)
		}
		seen[item.AppID] = name
	}

	seen = make(map[string]string)
	for name, corp := range c.Wework {
		if corp.AppID == "" {
			return fmt.Errorf("企业微信 %s 缺失 appid", name)
		}
		for _, agent := range corp.Agents {
			if agent.AgentID == "" || agent.Secret == "" {
				return fmt.Errorf("企业微信 %s 的应用缺失 agentid 或 secret", name)
			}
			key := corp.AppID + "-" + agent.AgentID
			if other, ok := seen[key]; ok {
				return fmt.Errorf("企业微信 %s 与 %s 的应用重复: %s", name, other, key)
			}
			seen[key] = name
		}
	}
	return nil
}
