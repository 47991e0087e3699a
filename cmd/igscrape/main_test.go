package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/RecoveryAshes/igscrape/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFlags(t *testing.T) {
	negative := -1
	tests := []struct {
		name    string
		o       core.CLIOverrides
		wantErr bool
	}{
		{"空参数", core.CLIOverrides{}, false},
		{"有效参数", core.CLIOverrides{DirectURLs: []string{"https://www.instagram.com/natgeo/"}, ResultType: "posts", ResultsLimit: 10}, false},
		{"无效URL", core.CLIOverrides{DirectURLs: []string{"not a url"}}, true},
		{"无效结果类型", core.CLIOverrides{ResultType: "reels"}, true},
		{"cookies需要login子命令", core.CLIOverrides{ResultType: "cookies"}, true},
		{"负数上限", core.CLIOverrides{ResultsLimit: -5}, true},
		{"并发过大", core.CLIOverrides{MaxConcurrency: 5000}, true},
		{"负数重试", core.CLIOverrides{MaxRetries: &negative}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlags(tt.o)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsConfigError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReadURLsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# 目标列表\nhttps://www.instagram.com/natgeo/\n\n  www.instagram.com/explore/tags/cats/  \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	urls, err := ReadURLsFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.instagram.com/natgeo/",
		"https://www.instagram.com/explore/tags/cats/",
	}, urls)

	_, err = ReadURLsFromFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitOK, exitCode(context.Canceled))
	assert.Equal(t, exitConfigError, exitCode(fmt.Errorf("包装: %w", &core.ConfigError{Field: "x", Err: errors.New("bad")})))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
}
