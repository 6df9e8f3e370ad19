package scanner

import (
	"strings"

	"TanZhen/internal/model"
)

type serviceRule struct {
	service  string
	patterns []string
}

// bannerRules 按顺序匹配，命中第一条即返回
var bannerRules = []serviceRule{
	{"SSH", []string{"ssh-", "openssh", "dropbear", "ssh"}},
	{"HTTP", []string{"http", "server:", "nginx", "apache", "lighttpd"}},
	{"FTP", []string{"ftp", "filezilla"}},
	{"SMTP", []string{"smtp", "postfix", "exim", "sendmail"}},
	{"POP3", []string{"pop3", "+ok"}},
	{"IMAP", []string{"imap"}},
	{"MYSQL", []string{"mysql", "mariadb"}},
	{"POSTGRESQL", []string{"postgres"}},
	{"REDIS", []string{"redis", "-noauth", "+pong"}},
	{"MONGODB", []string{"mongodb"}},
	{"VNC", []string{"rfb "}},
	{"TELNET", []string{"telnet"}},
}

// ClassifyService 根据端口和banner识别服务。
// 常见端口表优先，其次按banner规则匹配，都不命中返回 UNKNOWN。
func ClassifyService(port int, banner string) string {
	if name, ok := model.LookupService(port); ok {
		return name
	}

	if banner == "" {
		return model.UnknownService
	}

	return matchBanner(banner)
}

func matchBanner(banner string) string {
	lower := strings.ToLower(banner)
	for _, rule := range bannerRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lower, pattern) {
				return rule.service
			}
		}
	}
	return model.UnknownService
}
