package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/RecoveryAshes/igscrape/internal/core"
	"github.com/RecoveryAshes/igscrape/internal/models"
)

// ValidateFlags 验证命令行标志,只检查显式指定的值
func ValidateFlags(o core.CLIOverrides) error {
	for _, u := range o.DirectURLs {
		if err := models.ValidateURL(u); err != nil {
			return &core.ConfigError{Field: "url", Err: fmt.Errorf("无效的目标URL: %w", err)}
		}
	}

	if o.ResultType != "" {
		if _, err := models.ParseResultType(o.ResultType); err != nil {
			return &core.ConfigError{Field: "type", Err: err}
		}
		if o.ResultType == string(models.ResultCookies) {
			return &core.ConfigError{Field: "type", Err: fmt.Errorf("导出Cookie请使用 login 子命令")}
		}
	}

	if o.ResultsLimit < 0 {
		return &core.ConfigError{Field: "limit", Err: fmt.Errorf("结果上限不能为负数,当前值: %d", o.ResultsLimit)}
	}
	if o.MaxConcurrency < 0 || o.MaxConcurrency > 1000 {
		return &core.ConfigError{Field: "concurrency", Err: fmt.Errorf("并发数必须在1-1000之间,当前值: %d", o.MaxConcurrency)}
	}
	if o.MaxRetries != nil && (*o.MaxRetries < 0 || *o.MaxRetries > 20) {
		return &core.ConfigError{Field: "retries", Err: fmt.Errorf("重试次数必须在0-20之间,当前值: %d", *o.MaxRetries)}
	}
	return nil
}

// ReadURLsFromFile 读取URL列表,每行一个,忽略空行和#注释
func ReadURLsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开URL文件失败: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		normalized, err := NormalizeURL(line)
		if err != nil {
			return nil, fmt.Errorf("无效的URL %q: %w", line, err)
		}
		urls = append(urls, normalized)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取URL文件失败: %w", err)
	}
	return urls, nil
}

// NormalizeURL 规范化URL
func NormalizeURL(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	// 如果没有协议,默认使用https
	if parsed.Scheme == "" {
		parsed, err = url.Parse("https://" + urlStr)
		if err != nil {
			return "", err
		}
	}
	return parsed.String(), nil
}
