package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"TanZhen/internal/model"
)

// ErrUsage 参数错误
var ErrUsage = errors.New("usage error")

type Parser struct {
	Options    model.ScanOptions
	ConfigFile string

	fs     *flag.FlagSet
	output io.Writer
}

// FileConfig YAML配置文件格式
type FileConfig struct {
	Target      string `json:"target"`
	Ports       string `json:"ports"`
	Timeout     string `json:"timeout"`
	Threads     int    `json:"threads"`
	Output      string `json:"output"`
	Format      string `json:"format"`
	Banner      *bool  `json:"banner"`
	BannerPorts string `json:"banner_ports"`
	History     string `json:"history"`
	Verbose     bool   `json:"verbose"`
}

func NewParser() *Parser {
	return &Parser{output: os.Stdout}
}

// SetOutput 设置帮助信息的输出位置
func (p *Parser) SetOutput(w io.Writer) {
	p.output = w
}

// Parse 解析命令行参数。优先级：命令行 > 配置文件 > 默认值。
// 指定 -help 时返回 flag.ErrHelp。
func (p *Parser) Parse(args []string) error {
	var help bool

	p.fs = flag.NewFlagSet("tanzhen", flag.ContinueOnError)
	p.fs.SetOutput(io.Discard)

	p.fs.StringVar(&p.Options.Target, "target", "", "目标IP地址或域名")
	p.fs.StringVar(&p.Options.PortRange, "ports", "", "端口范围 (如: 1-1000,80,443)")
	p.fs.DurationVar(&p.Options.Timeout, "timeout", time.Second, "连接超时时间")
	p.fs.IntVar(&p.Options.Threads, "threads", 100, "并发数")
	p.fs.StringVar(&p.Options.OutputFile, "output", "", "输出文件")
	p.fs.StringVar(&p.Options.OutputFormat, "format", "text", "输出格式 (text, json, csv)")
	p.fs.BoolVar(&p.Options.GrabBanner, "banner", true, "采集开放端口的banner")
	p.fs.StringVar(&p.Options.BannerPorts, "banner-ports", "", "采集banner的端口 (默认: 常见文本协议端口)")
	p.fs.StringVar(&p.Options.HistoryDB, "history", "", "扫描历史数据库路径 (为空则不记录)")
	p.fs.BoolVar(&p.Options.ListHistory, "list-history", false, "列出最近的扫描记录")
	p.fs.Int64Var(&p.Options.ShowHistory, "show-history", 0, "显示指定ID的历史扫描结果")
	p.fs.StringVar(&p.ConfigFile, "config", "", "YAML配置文件")
	p.fs.BoolVar(&p.Options.Verbose, "verbose", false, "显示详细信息")
	p.fs.BoolVar(&help, "help", false, "显示帮助")

	if err := p.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			p.printHelp()
			return flag.ErrHelp
		}
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	if help {
		p.printHelp()
		return flag.ErrHelp
	}

	if p.ConfigFile != "" {
		cfg, err := LoadConfigFile(p.ConfigFile)
		if err != nil {
			return err
		}
		if err := p.applyConfig(cfg); err != nil {
			return err
		}
	}

	return p.validate()
}

// LoadConfigFile 读取YAML配置文件，未知字段视为错误
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg FileConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &cfg, nil
}

// applyConfig 只填充命令行未显式指定的选项
func (p *Parser) applyConfig(cfg *FileConfig) error {
	set := make(map[string]bool)
	p.fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if !set["target"] && cfg.Target != "" {
		p.Options.Target = cfg.Target
	}
	if !set["ports"] && cfg.Ports != "" {
		p.Options.PortRange = cfg.Ports
	}
	if !set["timeout"] && cfg.Timeout != "" {
		timeout, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("%w: 配置文件中的 timeout 无效: %v", ErrUsage, err)
		}
		p.Options.Timeout = timeout
	}
	if !set["threads"] && cfg.Threads != 0 {
		p.Options.Threads = cfg.Threads
	}
	if !set["output"] && cfg.Output != "" {
		p.Options.OutputFile = cfg.Output
	}
	if !set["format"] && cfg.Format != "" {
		p.Options.OutputFormat = cfg.Format
	}
	if !set["banner"] && cfg.Banner != nil {
		p.Options.GrabBanner = *cfg.Banner
	}
	if !set["banner-ports"] && cfg.BannerPorts != "" {
		p.Options.BannerPorts = cfg.BannerPorts
	}
	if !set["history"] && cfg.History != "" {
		p.Options.HistoryDB = cfg.History
	}
	if !set["verbose"] && cfg.Verbose {
		p.Options.Verbose = true
	}

	return nil
}

func (p *Parser) validate() error {
	if p.Options.ShowHistory < 0 {
		return fmt.Errorf("%w: 无效的扫描记录ID: %d", ErrUsage, p.Options.ShowHistory)
	}
	if p.Options.ListHistory || p.Options.ShowHistory > 0 {
		if p.Options.HistoryDB == "" {
			return fmt.Errorf("%w: -list-history/-show-history 需要同时指定 -history", ErrUsage)
		}
		return p.validateFormat()
	}

	if strings.TrimSpace(p.Options.Target) == "" {
		return fmt.Errorf("%w: 必须指定目标地址", ErrUsage)
	}
	if p.Options.Threads <= 0 {
		return fmt.Errorf("%w: 并发数必须大于0: %d", ErrUsage, p.Options.Threads)
	}
	if p.Options.Timeout <= 0 {
		return fmt.Errorf("%w: 超时时间必须大于0: %v", ErrUsage, p.Options.Timeout)
	}

	return p.validateFormat()
}

func (p *Parser) validateFormat() error {
	switch strings.ToLower(p.Options.OutputFormat) {
	case "text", "json", "csv":
	default:
		return fmt.Errorf("%w: 不支持的输出格式: %s", ErrUsage, p.Options.OutputFormat)
	}

	return nil
}

func (p *Parser) printHelp() {
	fmt.Fprintln(p.output, "探针 - TCP端口探测与服务识别工具")
	fmt.Fprintln(p.output, "")
	fmt.Fprintln(p.output, "使用方法: tanzhen -target <目标地址> [选项]")
	fmt.Fprintln(p.output, "")
	fmt.Fprintln(p.output, "选项:")
	fmt.Fprintln(p.output, "  -target string        目标IP地址或域名")
	fmt.Fprintln(p.output, "  -ports string         端口范围 (默认: 常见端口; all 表示 1-65535)")
	fmt.Fprintln(p.output, "  -timeout duration     连接超时时间 (默认: 1s)")
	fmt.Fprintln(p.output, "  -threads int          并发数 (默认: 100)")
	fmt.Fprintln(p.output, "  -output string        输出文件")
	fmt.Fprintln(p.output, "  -format string        输出格式 (text, json, csv) (默认: text)")
	fmt.Fprintln(p.output, "  -banner               采集banner (默认: true)")
	fmt.Fprintln(p.output, "  -banner-ports string  采集banner的端口")
	fmt.Fprintln(p.output, "  -history string       扫描历史数据库路径")
	fmt.Fprintln(p.output, "  -list-history         列出最近的扫描记录")
	fmt.Fprintln(p.output, "  -show-history int     显示指定ID的历史扫描结果")
	fmt.Fprintln(p.output, "  -config string        YAML配置文件")
	fmt.Fprintln(p.output, "  -verbose              显示详细信息")
	fmt.Fprintln(p.output, "  -help                 显示帮助")
	fmt.Fprintln(p.output, "")
	fmt.Fprintln(p.output, "示例:")
	fmt.Fprintln(p.output, "  tanzhen -target 192.168.1.1 -ports 1-1000")
	fmt.Fprintln(p.output, "  tanzhen -target example.com -ports 80,443,8080 -output result.json -format json")
}
