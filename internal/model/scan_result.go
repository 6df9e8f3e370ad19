package model

import (
	"sort"
	"time"
	"unicode/utf8"
)

// BannerPreviewLen 报告中banner预览的最大字符数
const BannerPreviewLen = 100

// PortState 端口状态
type PortState string

const (
	StateOpen     PortState = "OPEN"
	StateClosed   PortState = "CLOSED"
	StateFiltered PortState = "FILTERED"
	StateError    PortState = "ERROR"
)

// Target 扫描目标，解析成功后不再修改
type Target struct {
	Raw             string `json:"raw"`
	ResolvedAddress string `json:"resolved_address"`
}

// PortResult 单个端口的探测结果
type PortResult struct {
	Port     int           `json:"port"`
	Protocol string        `json:"protocol"`
	State    PortState     `json:"state"`
	Detail   string        `json:"detail,omitempty"` // 仅 ERROR 状态使用
	Service  string        `json:"service"`
	Version  string        `json:"version,omitempty"`
	Banner   string        `json:"banner,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// Status 返回 OPEN / CLOSED / FILTERED / ERROR:<detail>
func (r PortResult) Status() string {
	if r.State == StateError {
		return string(StateError) + ":" + r.Detail
	}
	return string(r.State)
}

// StateCounts 各状态计数
type StateCounts struct {
	Open     int `json:"open"`
	Closed   int `json:"closed"`
	Filtered int `json:"filtered"`
	Error    int `json:"error"`
}

func (c StateCounts) Total() int {
	return c.Open + c.Closed + c.Filtered + c.Error
}

// ScanSession 一次扫描会话
type ScanSession struct {
	Target           Target
	Ports            []int
	ConcurrencyLimit int
	Timeout          time.Duration
	StartedAt        time.Time
	FinishedAt       time.Time
	Results          []PortResult
	Counts           StateCounts
	Interrupted      bool
}

// Duration 会话耗时；未结束时返回0
func (s *ScanSession) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// SortedResults 按端口号升序返回结果副本
func (s *ScanSession) SortedResults() []PortResult {
	sorted := make([]PortResult, len(s.Results))
	copy(sorted, s.Results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Port < sorted[j].Port
	})
	return sorted
}

// ScanReport 对外输出的扫描报告
type ScanReport struct {
	Target          string        `json:"target"`
	ResolvedAddress string        `json:"resolved_address"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Duration        string        `json:"duration"`
	Status          string        `json:"status"` // completed, interrupted
	Interrupted     bool          `json:"interrupted"`
	Counts          StateCounts   `json:"counts"`
	Ports           []ReportEntry `json:"ports"`
}

// ReportEntry 报告中的单个端口行
type ReportEntry struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service"`
	Version  string `json:"version,omitempty"`
	Status   string `json:"status"`
	Banner   string `json:"banner,omitempty"`
}

// Report 生成报告，结果在此处排序
func (s *ScanSession) Report() ScanReport {
	status := "completed"
	if s.Interrupted {
		status = "interrupted"
	}

	report := ScanReport{
		Target:          s.Target.Raw,
		ResolvedAddress: s.Target.ResolvedAddress,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
		Duration:        s.Duration().String(),
		Status:          status,
		Interrupted:     s.Interrupted,
		Counts:          s.Counts,
		Ports:           make([]ReportEntry, 0, len(s.Results)),
	}

	for _, r := range s.SortedResults() {
		report.Ports = append(report.Ports, ReportEntry{
			Port:     r.Port,
			Protocol: r.Protocol,
			Service:  r.Service,
			Version:  r.Version,
			Status:   r.Status(),
			Banner:   PreviewBanner(r.Banner, BannerPreviewLen),
		})
	}

	return report
}

// PreviewBanner 按字符截断banner
func PreviewBanner(banner string, max int) string {
	if max <= 0 || utf8.RuneCountInString(banner) <= max {
		return banner
	}
	runes := []rune(banner)
	return string(runes[:max]) + "..."
}

// ScanOptions 扫描选项
type ScanOptions struct {
	Target       string
	PortRange    string
	Timeout      time.Duration
	Threads      int
	OutputFile   string
	OutputFormat string // json, text, csv
	GrabBanner   bool
	BannerPorts  string
	HistoryDB    string
	ListHistory  bool
	ShowHistory  int64
	Verbose      bool
}
