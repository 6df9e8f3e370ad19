package model

import "sort"

// UnknownService 无法识别服务时的标签
const UnknownService = "UNKNOWN"

// wellKnownPorts 常见端口映射，进程内只读，不对外暴露可变引用
var wellKnownPorts = map[int]string{
	20:    "FTP-DATA",
	21:    "FTP",
	22:    "SSH",
	23:    "TELNET",
	25:    "SMTP",
	53:    "DNS",
	67:    "DHCP-SERVER",
	68:    "DHCP-CLIENT",
	69:    "TFTP",
	80:    "HTTP",
	110:   "POP3",
	123:   "NTP",
	143:   "IMAP",
	161:   "SNMP",
	162:   "SNMPTRAP",
	179:   "BGP",
	389:   "LDAP",
	443:   "HTTPS",
	445:   "SMB",
	465:   "SMTPS",
	514:   "SYSLOG",
	587:   "SMTP-SUBMISSION",
	636:   "LDAPS",
	993:   "IMAPS",
	995:   "POP3S",
	1433:  "MS-SQL",
	1521:  "ORACLE-DB",
	2049:  "NFS",
	3306:  "MYSQL",
	3389:  "RDP",
	5432:  "POSTGRESQL",
	5900:  "VNC",
	6379:  "REDIS",
	8080:  "HTTP-ALT",
	8443:  "HTTPS-ALT",
	27017: "MONGODB",
}

// defaultScanPorts 未指定端口时扫描的常见端口
var defaultScanPorts = []int{
	21, 22, 23, 25, 53, 80, 110, 143,
	443, 445, 587, 993, 995, 1433, 1521,
	3306, 3389, 5432, 5900, 8080, 8443,
}

// defaultBannerPorts 默认进行banner采集的文本协议端口
var defaultBannerPorts = []int{21, 22, 25, 80, 110, 143, 587, 8000, 8080, 8888}

// LookupService 查询端口对应的常见服务
func LookupService(port int) (string, bool) {
	name, ok := wellKnownPorts[port]
	return name, ok
}

// WellKnownPorts 返回常见端口表的副本
func WellKnownPorts() map[int]string {
	out := make(map[int]string, len(wellKnownPorts))
	for port, name := range wellKnownPorts {
		out[port] = name
	}
	return out
}

// CommonPortsList 返回默认扫描端口（升序）
func CommonPortsList() []int {
	ports := make([]int, len(defaultScanPorts))
	copy(ports, defaultScanPorts)
	sort.Ints(ports)
	return ports
}

// DefaultBannerPorts 返回默认的banner采集端口
func DefaultBannerPorts() []int {
	ports := make([]int, len(defaultBannerPorts))
	copy(ports, defaultBannerPorts)
	return ports
}
