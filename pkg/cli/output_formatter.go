package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"

	"TanZhen/internal/historydb"
	"TanZhen/internal/model"
)

type OutputFormatter struct {
	format   string
	decorate bool
}

func NewOutputFormatter(format string) *OutputFormatter {
	return &OutputFormatter{format: strings.ToLower(format)}
}

// PrintResult 输出报告；outputFile 非空时写入文件，否则写到标准输出
func (of *OutputFormatter) PrintResult(report model.ScanReport, outputFile string) error {
	if outputFile != "" {
		output, err := of.Format(report)
		if err != nil {
			return err
		}
		return os.WriteFile(outputFile, []byte(output), 0644)
	}

	// 只有终端输出才加图标
	of.decorate = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	defer func() { of.decorate = false }()

	output, err := of.Format(report)
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, output)
	return err
}

// Format 按格式渲染报告
func (of *OutputFormatter) Format(report model.ScanReport) (string, error) {
	switch of.format {
	case "json":
		return of.formatJSON(report)
	case "csv":
		return of.formatCSV(report)
	default:
		return of.formatText(report), nil
	}
}

// formatText nmap风格的表格输出
func (of *OutputFormatter) formatText(report model.ScanReport) string {
	var builder strings.Builder

	builder.WriteString("\n探针 端口扫描报告\n")
	builder.WriteString(strings.Repeat("=", 60) + "\n")

	builder.WriteString(fmt.Sprintf("目标: %s", report.Target))
	if report.ResolvedAddress != "" && report.ResolvedAddress != report.Target {
		builder.WriteString(fmt.Sprintf(" (%s)", report.ResolvedAddress))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("开始: %s\n", report.StartedAt.Format("2006-01-02 15:04:05")))
	builder.WriteString(fmt.Sprintf("耗时: %s\n", report.Duration))
	if report.Interrupted {
		builder.WriteString(of.icon("⚠️") + "扫描被中断，以下为部分结果\n")
	}
	builder.WriteString("\n")

	c := report.Counts
	builder.WriteString(fmt.Sprintf("端口状态统计: 开放(%d) | 关闭(%d) | 过滤(%d) | 错误(%d)\n\n",
		c.Open, c.Closed, c.Filtered, c.Error))

	if len(report.Ports) == 0 {
		builder.WriteString("未获得任何端口结果\n")
		return builder.String()
	}

	w := tabwriter.NewWriter(&builder, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PORT\tSTATUS\tSERVICE\tVERSION\tBANNER")

	for _, entry := range report.Ports {
		version := entry.Version
		if version == "" {
			version = "-"
		}
		banner := oneLine(entry.Banner)
		if banner == "" {
			banner = "-"
		}

		fmt.Fprintf(w, "%d/%s\t%s%s\t%s\t%s\t%s\n",
			entry.Port, entry.Protocol,
			of.icon(stateIcon(entry.Status)), entry.Status,
			entry.Service,
			version,
			banner,
		)
	}
	w.Flush()

	builder.WriteString("\n" + strings.Repeat("=", 60) + "\n")
	if report.Interrupted {
		builder.WriteString("扫描未完成\n")
	} else {
		builder.WriteString("扫描完成\n")
	}

	return builder.String()
}

func (of *OutputFormatter) icon(s string) string {
	if !of.decorate || s == "" {
		return ""
	}
	return s + " "
}

func stateIcon(status string) string {
	switch status {
	case string(model.StateOpen):
		return "🟢"
	case string(model.StateFiltered):
		return "🟡"
	case string(model.StateClosed):
		return "🔴"
	default:
		return "⚪"
	}
}

// oneLine 多行banner压缩为一行
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (of *OutputFormatter) formatJSON(report model.ScanReport) (string, error) {
	jsonBytes, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("生成JSON失败: %w", err)
	}
	return string(jsonBytes) + "\n", nil
}

func (of *OutputFormatter) formatCSV(report model.ScanReport) (string, error) {
	var builder strings.Builder
	writer := csv.NewWriter(&builder)

	// 写入表头
	if err := writer.Write([]string{"port", "protocol", "service", "version", "status", "banner"}); err != nil {
		return "", err
	}

	for _, entry := range report.Ports {
		err := writer.Write([]string{
			strconv.Itoa(entry.Port),
			entry.Protocol,
			entry.Service,
			entry.Version,
			entry.Status,
			entry.Banner,
		})
		if err != nil {
			return "", err
		}
	}

	writer.Flush()
	return builder.String(), writer.Error()
}

// PrintHistory 输出历史扫描记录，total 为数据库中的记录总数
func (of *OutputFormatter) PrintHistory(w io.Writer, records []historydb.SessionRecord, total int) error {
	if of.format == "json" {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "暂无扫描记录")
		return err
	}

	fmt.Fprintf(w, "扫描记录: 显示最近 %d 条，共 %d 条\n\n", len(records), total)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tSTARTED\tPORTS\tOPEN\tCLOSED\tFILTERED\tERROR\tSTATUS")
	for _, rec := range records {
		status := "completed"
		if rec.Interrupted {
			status = "interrupted"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			rec.ID, rec.Target, rec.StartedAt.Format("2006-01-02 15:04:05"), rec.PortCount,
			rec.Counts.Open, rec.Counts.Closed, rec.Counts.Filtered, rec.Counts.Error, status)
	}
	return tw.Flush()
}
