package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RecoveryAshes/igscrape/internal/core"
	"github.com/RecoveryAshes/igscrape/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 退出码
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

// 命令行参数
var (
	// 全局参数
	configFile     string
	verbose        bool
	logLevel       string
	validateConfig bool

	// 抓取参数
	directURLs      []string
	urlFile         string
	resultType      string
	resultsLimit    int
	untilDate       string
	search          string
	searchType      string
	searchLimit     int
	maxConcurrency  int
	maxRetries      int
	cookiesFile     string
	proxies         []string
	outputPath      string
	metricsAddr     string
	headless        bool
	blockMoreAssets bool
	noProgress      bool

	// 登录参数
	username string
	password string
)

var rootCmd = &cobra.Command{
	Use:   "igscrape",
	Short: "Instagram页面增量抓取工具",
	Long: `igscrape - 基于无头浏览器的Instagram增量抓取工具

支持:
  • 帖子、评论、详情、快拍四种结果类型
  • 按用户、话题、地点搜索发现目标
  • 分页游标持久化,中断后从上次位置继续
  • 多组登录Cookie轮换与失效检测

示例:
  igscrape -u https://www.instagram.com/natgeo/ --type posts --limit 100
  igscrape --search cats --search-type hashtag --type details
  igscrape login --username alice --password '***'

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return err
		}

		logConfig := config.LogConfig()
		if logLevel != "" {
			logConfig.Level = logLevel
		}
		if verbose && logLevel == "" {
			logConfig.Level = "debug"
		}
		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		if verbose {
			utils.Debug("详细模式已启用")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if validateConfig {
			if err := config.Validate(); err != nil {
				return err
			}
			printConfigSummary(config)
			return nil
		}

		if len(config.Input.DirectURLs) == 0 && config.Input.Search == "" {
			return cmd.Help()
		}
		return run(cmd.Context(), config)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "使用用户名密码登录并导出Cookie",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		config.Input.ResultType = "cookies"
		config.Input.LoginUsername = username
		config.Input.LoginPassword = password
		return run(cmd.Context(), config)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("igscrape %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// loadConfig 加载配置文件并合并命令行参数
func loadConfig(cmd *cobra.Command) (*core.Config, error) {
	config, err := core.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	urls := directURLs
	if urlFile != "" {
		fromFile, err := ReadURLsFromFile(urlFile)
		if err != nil {
			return nil, &core.ConfigError{Field: "url-file", Err: err}
		}
		urls = append(urls, fromFile...)
	}

	overrides := core.CLIOverrides{
		ResultType:   resultType,
		ResultsLimit: resultsLimit,
		Until:        untilDate,
		DirectURLs:   urls,
		Search:       search,
		SearchType:   searchType,
		SearchLimit:  searchLimit,
		CookiesFile:  cookiesFile,
		Proxies:      proxies,
		OutputPath:   outputPath,
		MetricsAddr:  metricsAddr,
		LogLevel:     logLevel,
	}
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		overrides.MaxConcurrency = maxConcurrency
	}
	if flags.Changed("retries") {
		overrides.MaxRetries = &maxRetries
	}
	if flags.Changed("headless") {
		overrides.Headless = &headless
	}
	if flags.Changed("block-more-assets") {
		overrides.BlockMoreAssets = &blockMoreAssets
	}
	if err := ValidateFlags(overrides); err != nil {
		return nil, err
	}
	config.MergeCLIFlags(overrides)
	return config, nil
}

func run(ctx context.Context, config *core.Config) error {
	scraper := core.NewScraper(config)
	scraper.ShowProgress = !noProgress
	return scraper.Run(ctx)
}

func printConfigSummary(config *core.Config) {
	utils.Info("✅ 配置验证通过!")
	utils.Infof("结果类型: %s, 上限: %d", config.Input.ResultType, config.Limit())
	utils.Infof("目标: %d 个直接URL, 搜索: %q", len(config.Input.DirectURLs), config.Input.Search)
	utils.Infof("存储: %s, 输出: %s", config.Storage.Backend, config.Output.Sink)
	for _, p := range config.Proxy.URLs {
		utils.Infof("代理: %s", utils.RedactSecret(p))
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringSliceVar(&proxies, "proxy", nil, "代理地址,可多次指定")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "输出文件路径 (JSON Lines)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "指标服务监听地址,如 :9090")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "无头浏览器模式")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "不显示进度条")

	// 抓取参数
	rootCmd.Flags().BoolVar(&validateConfig, "validate-config", false, "只验证配置,不执行抓取")
	rootCmd.Flags().StringSliceVarP(&directURLs, "url", "u", nil, "目标URL,可多次指定")
	rootCmd.Flags().StringVarP(&urlFile, "url-file", "f", "", "包含URL列表的文件路径")
	rootCmd.Flags().StringVarP(&resultType, "type", "t", "", "结果类型 (posts|comments|details|stories)")
	rootCmd.Flags().IntVarP(&resultsLimit, "limit", "l", 0, "每个目标的结果上限")
	rootCmd.Flags().StringVar(&untilDate, "until", "", "只抓取该日期之后的帖子 (2006-01-02)")
	rootCmd.Flags().StringVarP(&search, "search", "s", "", "搜索词,没有直接URL时使用")
	rootCmd.Flags().StringVar(&searchType, "search-type", "", "搜索类型 (user|hashtag|place)")
	rootCmd.Flags().IntVar(&searchLimit, "search-limit", 0, "搜索结果上限")
	rootCmd.Flags().IntVar(&maxConcurrency, "concurrency", 0, "最大并发导航数")
	rootCmd.Flags().IntVar(&maxRetries, "retries", 3, "每个目标的最大重试次数")
	rootCmd.Flags().StringVar(&cookiesFile, "cookies", "", "登录Cookie文件 (JSON)")
	rootCmd.Flags().BoolVar(&blockMoreAssets, "block-more-assets", false, "拦截更多非必需资源")

	// 登录参数
	loginCmd.Flags().StringVar(&username, "username", "", "用户名")
	loginCmd.Flags().StringVar(&password, "password", "", "密码")
	_ = loginCmd.MarkFlagRequired("username")
	_ = loginCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(loginCmd, doctorCmd, versionCmd)
}

// exitCode 根据错误类型决定退出码
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case core.IsConfigError(err):
		return exitConfigError
	case errors.Is(err, context.Canceled):
		return exitOK
	default:
		return exitFailure
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
	}
	code := exitCode(err)
	stop()
	os.Exit(code)
}
