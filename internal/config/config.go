package config

import (
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Manifest ManifestConfig `mapstructure:"manifest"`
	Log      LogConfig      `mapstructure:"log"`
	DumpDir  string         `mapstructure:"dump_dir"`
	DataDir  string         `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 非空时写接口需要 Bearer token
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
	Workers  int    `mapstructure:"workers"` // 消费者数量
}

// EngineConfig 行为匹配引擎配置
type EngineConfig struct {
	MaxSearchDepth int `mapstructure:"max_search_depth"` // 调用者向上追溯层数
	MaxTraceDepth  int `mapstructure:"max_trace_depth"`  // 跨方法回溯深度
	Workers        int `mapstructure:"workers"`          // 并发规则匹配数量，0 表示 CPU 核数
}

// RulesConfig 规则仓库配置
type RulesConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"` // 规则目录变更时热加载
}

// ManifestConfig Manifest 提取配置
type ManifestConfig struct {
	AaptPath string `mapstructure:"aapt_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// setDefaults 未配置项的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/behavior.db")
	v.SetDefault("rabbitmq.queue", "behavior_analysis")
	v.SetDefault("rabbitmq.workers", 2)
	v.SetDefault("engine.max_search_depth", 1)
	v.SetDefault("engine.max_trace_depth", 3)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("rules.dir", "./rules")
	v.SetDefault("manifest.aapt_path", "aapt2")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("dump_dir", "./dumps")
	v.SetDefault("data_dir", "./data")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// Engine
	v.BindEnv("rules.dir", "QUARK_RULES_DIR")
	v.BindEnv("engine.max_search_depth", "QUARK_MAX_SEARCH_DEPTH")
	v.BindEnv("server.api_token", "API_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = runtime.NumCPU()
	}

	return &cfg, nil
}
