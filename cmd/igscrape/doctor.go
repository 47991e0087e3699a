package main

import (
	"fmt"
	"runtime"

	"github.com/RecoveryAshes/igscrape/internal/core"
	"github.com/RecoveryAshes/igscrape/internal/crawlers"
	"github.com/RecoveryAshes/igscrape/internal/state"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "检查运行环境",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return err
		}

		fmt.Println("==============================================")
		fmt.Println("  igscrape 环境检查")
		fmt.Println("==============================================")

		allOK := true
		fmt.Printf("✅ Go版本: %s\n", runtime.Version())
		fmt.Printf("✅ 操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)

		switch {
		case config.Browser.Bin != "":
			fmt.Printf("✅ 浏览器: %s (配置指定)\n", config.Browser.Bin)
		default:
			if bin, found := launcher.LookPath(); found {
				fmt.Printf("✅ 浏览器: %s\n", bin)
			} else {
				fmt.Println("⚠️  未找到本地浏览器,首次运行时将自动下载Chromium")
			}
		}

		if err := checkStorage(cmd, config); err != nil {
			fmt.Printf("❌ 存储后端 %s 不可用: %v\n", config.Storage.Backend, err)
			allOK = false
		} else {
			fmt.Printf("✅ 存储后端: %s\n", config.Storage.Backend)
		}

		monitor := crawlers.NewResourceMonitor(config.ResourceMonitorConfig())
		if ok, reason := monitor.CheckResourceAvailability(); ok {
			fmt.Printf("✅ 匿名模式建议并发: %d\n", monitor.CalculateMaxNavigations())
		} else {
			fmt.Printf("⚠️  资源紧张: %s\n", reason)
		}

		fmt.Println("==============================================")
		if !allOK {
			return fmt.Errorf("环境检查未通过")
		}
		fmt.Println("✅ 环境检查通过")
		return nil
	},
}

// checkStorage 打开并写入一次存储后端
func checkStorage(cmd *cobra.Command, config *core.Config) error {
	var (
		kv  state.KV
		err error
	)
	st := config.Storage
	switch st.Backend {
	case "sqlite":
		kv, err = state.NewSQLiteKV(st.SQLitePath)
	case "redis":
		kv, err = state.NewRedisKV(cmd.Context(), st.RedisAddr, st.RedisPassword, st.RedisDB, st.RedisPrefix)
	default:
		kv, err = state.NewFileKV(st.Dir)
	}
	if err != nil {
		return err
	}
	defer kv.Close()
	return kv.Save(cmd.Context(), "DOCTOR", []byte(`{}`))
}
