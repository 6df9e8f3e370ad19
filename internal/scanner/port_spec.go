package scanner

import (
	"sort"
	"strconv"
	"strings"
)

const (
	minPort = 1
	maxPort = 65535
)

// ParsePortSpec 解析端口规格，如 "80,443,8000-8002"。
// 返回去重后升序排列的端口；空输入返回空列表。
func ParsePortSpec(spec string) ([]int, error) {
	seen := make(map[int]struct{})

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			start, end, err := parseRange(part)
			if err != nil {
				return nil, err
			}
			for port := start; port <= end; port++ {
				seen[port] = struct{}{}
			}
			continue
		}

		port, err := parsePort(part, part)
		if err != nil {
			return nil, err
		}
		seen[port] = struct{}{}
	}

	ports := make([]int, 0, len(seen))
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	return ports, nil
}

func parseRange(token string) (int, int, error) {
	bounds := strings.SplitN(token, "-", 2)
	if strings.TrimSpace(bounds[0]) == "" || strings.TrimSpace(bounds[1]) == "" {
		return 0, 0, &MalformedPortSpecError{Token: token, Reason: "range needs both endpoints"}
	}

	start, err := parsePort(bounds[0], token)
	if err != nil {
		return 0, 0, err
	}
	end, err := parsePort(bounds[1], token)
	if err != nil {
		return 0, 0, err
	}

	if start > end {
		return 0, 0, &MalformedPortSpecError{Token: token, Reason: "range start greater than end"}
	}

	return start, end, nil
}

func parsePort(value, token string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, &MalformedPortSpecError{Token: token, Reason: "not a number"}
	}
	if port < minPort || port > maxPort {
		return 0, &MalformedPortSpecError{Token: token, Reason: "port out of range 1-65535"}
	}
	return port, nil
}
