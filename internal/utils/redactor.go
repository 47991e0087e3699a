package utils

import (
	"strings"

	"github.com/RecoveryAshes/igscrape/internal/models"
)

var (
	// SensitiveCookieNames 需要脱敏的Cookie名称关键字
	SensitiveCookieNames = []string{
		"sessionid",
		"csrftoken",
		"ds_user_id",
		"rur",
		"shbid",
		"shbts",
		"token",
		"auth",
	}
)

// CookieRedactor Cookie脱敏器
// 负责在日志中隐藏登录凭据
type CookieRedactor struct {
	sensitiveNames []string
}

// NewCookieRedactor 创建Cookie脱敏器
func NewCookieRedactor() *CookieRedactor {
	return &CookieRedactor{
		sensitiveNames: SensitiveCookieNames,
	}
}

// IsSensitive 检查Cookie是否敏感
func (cr *CookieRedactor) IsSensitive(name string) bool {
	nameLower := strings.ToLower(name)
	for _, keyword := range cr.sensitiveNames {
		if strings.Contains(nameLower, keyword) {
			return true
		}
	}
	return false
}

// RedactValue 脱敏单个值
func (cr *CookieRedactor) RedactValue(name, value string) string {
	if !cr.IsSensitive(name) {
		return value
	}

	// 足够长时保留前4位+后4位
	if len(value) > 12 {
		return value[:4] + "***" + value[len(value)-4:]
	}

	return "***"
}

// Redact 脱敏整组Cookie,返回 name -> 值 的map (用于日志)
func (cr *CookieRedactor) Redact(cookies []models.Cookie) map[string]string {
	result := make(map[string]string, len(cookies))
	for _, c := range cookies {
		result[c.Name] = cr.RedactValue(c.Name, c.Value)
	}
	return result
}

// RedactSecret 完全隐藏密码等秘密
func RedactSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
