package utils

import (
	"regexp"
	"strings"
)

var versionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)server:\s*[^/\s]+/v?(\d+(?:\.\d+)+)`),             // Server: nginx/1.18.0
	regexp.MustCompile(`(?i)[a-z][a-z0-9_-]*[/_ ]v?(\d+(?:\.\d+)+[a-z0-9]*)`), // OpenSSH_9.6p1, vsFTPd 3.0.3
	regexp.MustCompile(`(?i)version[:\s]*v?(\d+(?:\.\d+)+)`),                  // version: 1.2
	regexp.MustCompile(`\bv(\d+(?:\.\d+)+)`),                                  // v1.2
}

var numericVersion = regexp.MustCompile(`\d+(?:\.\d+)*`)

// ExtractVersion 从banner中提取版本号，找不到时返回空串
func ExtractVersion(banner string) string {
	banner = strings.TrimSpace(banner)
	if banner == "" {
		return ""
	}

	for _, re := range versionPatterns {
		for _, m := range re.FindAllStringSubmatch(banner, -1) {
			// HTTP/1.1 是协议版本，不是产品版本
			if len(m) < 2 || strings.HasPrefix(strings.ToUpper(m[0]), "HTTP/") {
				continue
			}
			return NormalizeVersion(m[1])
		}
	}

	return ""
}

// NormalizeVersion 标准化版本号
func NormalizeVersion(version string) string {
	// 移除多余的空格和前缀
	version = strings.TrimSpace(version)
	version = strings.TrimPrefix(version, "v")
	version = strings.TrimPrefix(version, "V")
	version = strings.TrimSpace(version)

	if match := numericVersion.FindString(version); match != "" {
		return match
	}

	return version
}
