package scanner

import (
	"net"
	"strings"

	"TanZhen/internal/model"
)

// LookupIPFunc 可在测试中替换
var LookupIPFunc = net.LookupIP

// ResolveTarget 校验目标并解析出可连接的地址。
// 优先按IP字面量处理，否则走DNS，多个结果时优先IPv4。
func ResolveTarget(host string) (model.Target, error) {
	target := model.Target{Raw: host}

	trimmed := strings.Trim(strings.TrimSpace(host), "[]")
	if trimmed == "" {
		return target, &UnresolvableTargetError{Host: host}
	}

	if ip := net.ParseIP(trimmed); ip != nil {
		target.ResolvedAddress = ip.String()
		return target, nil
	}

	ips, err := LookupIPFunc(trimmed)
	if err != nil {
		return target, &UnresolvableTargetError{Host: host, Err: err}
	}

	var first net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			target.ResolvedAddress = v4.String()
			return target, nil
		}
		if first == nil {
			first = ip
		}
	}
	if first == nil {
		return target, &UnresolvableTargetError{Host: host}
	}

	target.ResolvedAddress = first.String()
	return target, nil
}
