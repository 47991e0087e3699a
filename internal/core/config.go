package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/igscrape/internal/crawlers"
	"github.com/RecoveryAshes/igscrape/internal/discovery"
	"github.com/RecoveryAshes/igscrape/internal/models"
	"github.com/RecoveryAshes/igscrape/internal/utils"
	"github.com/spf13/viper"
)

// unlimitedResults results_limit为0时使用的上限
const unlimitedResults = 999999

// ConfigError 配置错误,在任何导航之前返回
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("配置错误: %v", e.Err)
	}
	return fmt.Sprintf("配置错误 [%s]: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// IsConfigError 是否为配置错误
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Config 应用程序配置
type Config struct {
	Input    InputConfig    `mapstructure:"input"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Output   OutputConfig   `mapstructure:"output"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Resource ResourceConfig `mapstructure:"resource"`
}

// InputConfig 抓取参数
type InputConfig struct {
	ResultType            string   `mapstructure:"result_type"`
	ResultsLimit          int      `mapstructure:"results_limit"`
	ScrapePostsUntilDate  string   `mapstructure:"scrape_posts_until_date"`
	ScrollWaitSecs        int      `mapstructure:"scroll_wait_secs"`
	PageTimeoutSecs       int      `mapstructure:"page_timeout_secs"`
	HandleTimeoutSecs     int      `mapstructure:"handle_timeout_secs"`
	MaxRequestRetries     int      `mapstructure:"max_request_retries"`
	MaxConcurrency        int      `mapstructure:"max_concurrency"`
	CookiesPerConcurrency int      `mapstructure:"cookies_per_concurrency"`
	MaxErrorCount         int      `mapstructure:"max_error_count"`
	BlockMoreAssets       bool     `mapstructure:"block_more_assets"`
	IncludeHasStories     bool     `mapstructure:"include_has_stories"`
	DirectURLs            []string `mapstructure:"direct_urls"`
	Search                string   `mapstructure:"search"`
	SearchType            string   `mapstructure:"search_type"`
	SearchLimit           int      `mapstructure:"search_limit"`
	LoginCookiesFile      string   `mapstructure:"login_cookies_file"`
	LoginUsername         string   `mapstructure:"login_username"`
	LoginPassword         string   `mapstructure:"login_password"`
}

// ProxyConfig 代理配置
type ProxyConfig struct {
	URLs     []string `mapstructure:"urls"`
	Required bool     `mapstructure:"required"`
}

// BrowserConfig 浏览器配置
type BrowserConfig struct {
	Headless    bool   `mapstructure:"headless"`
	Bin         string `mapstructure:"bin"`
	MaxRestarts int    `mapstructure:"max_restarts"`
}

// StorageConfig 分页状态存储配置
type StorageConfig struct {
	Backend       string `mapstructure:"backend"` // file, sqlite, redis
	Dir           string `mapstructure:"dir"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	StateKey      string `mapstructure:"state_key"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Sink         string   `mapstructure:"sink"` // file, kafka
	Path         string   `mapstructure:"path"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// MetricsConfig 指标服务配置,addr为空时不启动
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// ResourceConfig 匿名模式的资源限制(内存单位MB)
type ResourceConfig struct {
	SafetyReserveMemory int `mapstructure:"safety_reserve_memory"`
	SafetyThreshold     int `mapstructure:"safety_threshold"`
	CPULoadThreshold    int `mapstructure:"cpu_load_threshold"`
	MaxNavigations      int `mapstructure:"max_navigations"`
}

// LoadConfig 加载配置文件,文件不存在时使用默认值
// 环境变量 IGSCRAPE_<SECTION>_<KEY> 覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".igscrape"))
		}
	}

	v.SetEnvPrefix("IGSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &ConfigError{Field: "config", Err: fmt.Errorf("读取配置文件失败: %w", err)}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &ConfigError{Field: "config", Err: fmt.Errorf("解析配置文件失败: %w", err)}
	}
	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("input.result_type", "posts")
	v.SetDefault("input.results_limit", 200)
	v.SetDefault("input.scrape_posts_until_date", "")
	v.SetDefault("input.scroll_wait_secs", 15)
	v.SetDefault("input.page_timeout_secs", 60)
	v.SetDefault("input.handle_timeout_secs", 18000)
	v.SetDefault("input.max_request_retries", 3)
	v.SetDefault("input.max_concurrency", 100)
	v.SetDefault("input.cookies_per_concurrency", 1)
	v.SetDefault("input.max_error_count", 3)
	v.SetDefault("input.block_more_assets", false)
	v.SetDefault("input.include_has_stories", false)
	v.SetDefault("input.direct_urls", []string{})
	v.SetDefault("input.search", "")
	v.SetDefault("input.search_type", "hashtag")
	v.SetDefault("input.search_limit", 10)
	v.SetDefault("input.login_cookies_file", "")
	v.SetDefault("input.login_username", "")
	v.SetDefault("input.login_password", "")

	v.SetDefault("proxy.urls", []string{})
	v.SetDefault("proxy.required", false)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.max_restarts", 3)

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "storage")
	v.SetDefault("storage.sqlite_path", "storage/state.db")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_prefix", "igscrape:")
	v.SetDefault("storage.state_key", "STATE-SCROLLING")

	v.SetDefault("output.sink", "file")
	v.SetDefault("output.path", "output/results.jsonl")
	v.SetDefault("output.kafka_brokers", []string{})
	v.SetDefault("output.kafka_topic", "igscrape")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("resource.safety_reserve_memory", 1024)
	v.SetDefault("resource.safety_threshold", 500)
	v.SetDefault("resource.cpu_load_threshold", 80)
	v.SetDefault("resource.max_navigations", 16)
}

// CLIOverrides 命令行参数,零值或nil表示未指定
type CLIOverrides struct {
	ResultType      string
	ResultsLimit    int
	Until           string
	DirectURLs      []string
	Search          string
	SearchType      string
	SearchLimit     int
	MaxConcurrency  int
	MaxRetries      *int
	CookiesFile     string
	Username        string
	Password        string
	Proxies         []string
	OutputPath      string
	MetricsAddr     string
	LogLevel        string
	Headless        *bool
	BlockMoreAssets *bool
}

// MergeCLIFlags 合并命令行参数到配置,命令行优先于配置文件
func (c *Config) MergeCLIFlags(o CLIOverrides) {
	if o.ResultType != "" {
		c.Input.ResultType = o.ResultType
	}
	if o.ResultsLimit > 0 {
		c.Input.ResultsLimit = o.ResultsLimit
	}
	if o.Until != "" {
		c.Input.ScrapePostsUntilDate = o.Until
	}
	if len(o.DirectURLs) > 0 {
		c.Input.DirectURLs = o.DirectURLs
	}
	if o.Search != "" {
		c.Input.Search = o.Search
	}
	if o.SearchType != "" {
		c.Input.SearchType = o.SearchType
	}
	if o.SearchLimit > 0 {
		c.Input.SearchLimit = o.SearchLimit
	}
	if o.MaxConcurrency > 0 {
		c.Input.MaxConcurrency = o.MaxConcurrency
	}
	if o.MaxRetries != nil {
		c.Input.MaxRequestRetries = *o.MaxRetries
	}
	if o.CookiesFile != "" {
		c.Input.LoginCookiesFile = o.CookiesFile
	}
	if o.Username != "" {
		c.Input.LoginUsername = o.Username
	}
	if o.Password != "" {
		c.Input.LoginPassword = o.Password
	}
	if len(o.Proxies) > 0 {
		c.Proxy.URLs = o.Proxies
	}
	if o.OutputPath != "" {
		c.Output.Path = o.OutputPath
	}
	if o.MetricsAddr != "" {
		c.Metrics.Addr = o.MetricsAddr
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.Headless != nil {
		c.Browser.Headless = *o.Headless
	}
	if o.BlockMoreAssets != nil {
		c.Input.BlockMoreAssets = *o.BlockMoreAssets
	}
}

// Validate 校验配置,返回*ConfigError
func (c *Config) Validate() error {
	rt, err := models.ParseResultType(c.Input.ResultType)
	if err != nil {
		return &ConfigError{Field: "input.result_type", Err: err}
	}

	if rt == models.ResultCookies {
		if c.Input.LoginUsername == "" || c.Input.LoginPassword == "" {
			return configErr("input.login_username", "登录模式需要用户名和密码")
		}
	} else {
		if c.Input.LoginUsername != "" || c.Input.LoginPassword != "" {
			utils.Warnf("只有cookies结果类型会使用用户名和密码,已忽略")
		}
		if len(c.Input.DirectURLs) == 0 && c.Input.Search == "" {
			return configErr("input.direct_urls", "需要提供直接URL或搜索词")
		}
	}

	if c.Proxy.Required && len(c.Proxy.URLs) == 0 {
		return configErr("proxy.urls", "已要求使用代理但没有配置代理地址")
	}
	if _, err := crawlers.NewProxyRotator(c.Proxy.URLs); err != nil {
		return &ConfigError{Field: "proxy.urls", Err: err}
	}

	if _, err := c.Until(); err != nil {
		return &ConfigError{Field: "input.scrape_posts_until_date", Err: err}
	}
	if c.Input.Search != "" {
		if _, err := discovery.ParseSearchType(c.Input.SearchType); err != nil {
			return &ConfigError{Field: "input.search_type", Err: err}
		}
	}

	if c.Input.ResultsLimit < 0 {
		return configErr("input.results_limit", "不能为负数: %d", c.Input.ResultsLimit)
	}
	if c.Input.MaxRequestRetries < 0 {
		return configErr("input.max_request_retries", "不能为负数: %d", c.Input.MaxRequestRetries)
	}

	switch c.Storage.Backend {
	case "file", "sqlite", "redis":
	default:
		return configErr("storage.backend", "不支持的存储后端: %q (有效值: file, sqlite, redis)", c.Storage.Backend)
	}
	switch c.Output.Sink {
	case "file":
		if c.Output.Path == "" {
			return configErr("output.path", "文件输出需要路径")
		}
	case "kafka":
		if len(c.Output.KafkaBrokers) == 0 || c.Output.KafkaTopic == "" {
			return configErr("output.kafka_brokers", "Kafka输出需要broker和topic")
		}
	default:
		return configErr("output.sink", "不支持的输出: %q (有效值: file, kafka)", c.Output.Sink)
	}
	return nil
}

// ResultType 已校验的结果类型
func (c *Config) ResultType() models.ResultType {
	return models.ResultType(c.Input.ResultType)
}

// Limit 结果数量上限,0表示不限制
func (c *Config) Limit() int {
	if c.Input.ResultsLimit == 0 {
		return unlimitedResults
	}
	return c.Input.ResultsLimit
}

// Until 帖子截止日期,未设置时返回零值
func (c *Config) Until() (time.Time, error) {
	s := strings.TrimSpace(c.Input.ScrapePostsUntilDate)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析日期 %q (格式: 2006-01-02 或 RFC3339)", s)
}

// LoadCookieSets 读取登录Cookie文件,未配置时返回nil
func (c *Config) LoadCookieSets() ([][]models.Cookie, error) {
	if c.Input.LoginCookiesFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Input.LoginCookiesFile)
	if err != nil {
		return nil, &ConfigError{Field: "input.login_cookies_file", Err: err}
	}
	sets, err := models.ParseCookieSets(data)
	if err != nil {
		return nil, &ConfigError{Field: "input.login_cookies_file", Err: err}
	}
	return sets, nil
}

// LogConfig 转换为日志初始化参数
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// DriverConfig 转换为调度器配置
func (c *Config) DriverConfig() crawlers.DriverConfig {
	until, _ := c.Until()
	cfg := crawlers.DefaultDriverConfig()
	cfg.ResultType = c.ResultType()
	cfg.MaxConcurrency = c.Input.MaxConcurrency
	cfg.CookiesPerConcurrency = c.Input.CookiesPerConcurrency
	cfg.MaxRetries = c.Input.MaxRequestRetries
	cfg.PageTimeout = time.Duration(c.Input.PageTimeoutSecs) * time.Second
	cfg.HandleTimeout = time.Duration(c.Input.HandleTimeoutSecs) * time.Second
	cfg.Limit = c.Limit()
	cfg.Until = until
	cfg.ScrollWait = time.Duration(c.Input.ScrollWaitSecs) * time.Second
	cfg.IncludeHasStories = c.Input.IncludeHasStories
	return cfg
}

// ResourceMonitorConfig 转换为资源监控配置
func (c *Config) ResourceMonitorConfig() crawlers.ResourceMonitorConfig {
	const mb = 1024 * 1024
	return crawlers.ResourceMonitorConfig{
		SafetyReserveMemory: int64(c.Resource.SafetyReserveMemory) * mb,
		SafetyThreshold:     int64(c.Resource.SafetyThreshold) * mb,
		CPULoadThreshold:    c.Resource.CPULoadThreshold,
		MaxNavigations:      c.Resource.MaxNavigations,
	}
}
