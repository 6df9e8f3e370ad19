package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"TanZhen/internal/historydb"
	"TanZhen/internal/model"
	"TanZhen/internal/scanner"
	"TanZhen/internal/utils"
	"TanZhen/pkg/cli"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// 解析命令行参数
	parser := cli.NewParser()
	if err := parser.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		if errors.Is(err, cli.ErrUsage) {
			fmt.Fprintf(os.Stderr, "使用 -help 查看完整帮助信息\n")
			return exitUsage
		}
		return exitFatal
	}

	options := parser.Options
	utils.SetDebug(options.Verbose || os.Getenv("DEBUG") == "true")
	logger := utils.NewLogger("main")

	if options.ShowHistory > 0 {
		return showHistory(options)
	}
	if options.ListHistory {
		return listHistory(options)
	}

	logger.Info("启动探针扫描器 v1.0")

	// 预检：先校验端口，再解析目标，任何失败都不产生网络活动
	ports, err := resolvePorts(options.PortRange)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return exitFatal
	}

	bannerPorts := model.DefaultBannerPorts()
	if options.BannerPorts != "" {
		bannerPorts, err = scanner.ParsePortSpec(options.BannerPorts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "错误: banner端口: %v\n", err)
			return exitFatal
		}
	}

	target, err := scanner.ResolveTarget(extractHostname(options.Target))
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return exitFatal
	}

	if options.Verbose {
		logger.Info("扫描目标: %s (%s)", target.Raw, target.ResolvedAddress)
		logger.Info("端口数: %d, 超时时间: %v, 并发数: %d", len(ports), options.Timeout, options.Threads)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// 第一次信号停止派发；恢复默认处理，再次中断直接退出进程
		stop()
	}()

	portScanner := scanner.NewPortScanner(scanner.Config{
		Timeout:     options.Timeout,
		Threads:     options.Threads,
		GrabBanner:  options.GrabBanner,
		BannerPorts: bannerPorts,
		Verbose:     options.Verbose,
	})

	session := portScanner.Scan(ctx, target, ports, func(result model.PortResult) {
		if !options.Verbose {
			return
		}
		switch result.State {
		case model.StateOpen:
			logger.Info("发现开放端口: %d (%s)", result.Port, result.Service)
		case model.StateFiltered:
			logger.Info("发现过滤端口: %d (可能被防火墙阻止)", result.Port)
		case model.StateError:
			logger.Warn("端口 %d 探测出错: %s", result.Port, result.Detail)
		}
	})

	if options.Verbose {
		c := session.Counts
		logger.Info("扫描结束，开放 %d, 关闭 %d, 过滤 %d, 错误 %d, 耗时 %v",
			c.Open, c.Closed, c.Filtered, c.Error, session.Duration())
	}

	if options.HistoryDB != "" {
		saveHistory(logger, options.HistoryDB, session)
	}

	// 输出结果
	formatter := cli.NewOutputFormatter(options.OutputFormat)
	if err := formatter.PrintResult(session.Report(), options.OutputFile); err != nil {
		logger.Error("输出结果失败: %v", err)
		return exitFatal
	}

	if session.Interrupted {
		fmt.Fprintf(os.Stderr, "警告: %v，已完成 %d/%d 个端口\n",
			scanner.ErrScanInterrupted, len(session.Results), len(session.Ports))
		return exitInterrupted
	}

	return exitOK
}

// resolvePorts 处理端口关键字，未指定时使用常见端口
func resolvePorts(portRange string) ([]int, error) {
	switch strings.ToLower(strings.TrimSpace(portRange)) {
	case "", "common", "default":
		return model.CommonPortsList(), nil
	case "all":
		return scanner.ParsePortSpec("1-65535")
	}

	ports, err := scanner.ParsePortSpec(portRange)
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return model.CommonPortsList(), nil
	}
	return ports, nil
}

func saveHistory(logger *utils.Logger, path string, session *model.ScanSession) {
	db, err := historydb.NewHistoryDatabase(path)
	if err != nil {
		logger.Error("打开扫描历史数据库失败: %v", err)
		return
	}
	defer db.Close()

	id, err := db.SaveSession(session)
	if err != nil {
		logger.Error("保存扫描记录失败: %v", err)
		return
	}
	logger.Info("扫描记录已保存: #%d", id)
}

func listHistory(options model.ScanOptions) int {
	db, err := historydb.NewHistoryDatabase(options.HistoryDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return exitFatal
	}
	defer db.Close()

	records, err := db.RecentSessions(20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 查询扫描记录失败: %v\n", err)
		return exitFatal
	}
	total, err := db.GetSessionCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 统计扫描记录失败: %v\n", err)
		return exitFatal
	}

	if err := cli.NewOutputFormatter(options.OutputFormat).PrintHistory(os.Stdout, records, total); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return exitFatal
	}
	return exitOK
}

// showHistory 以扫描报告的格式重新输出一次历史扫描
func showHistory(options model.ScanOptions) int {
	db, err := historydb.NewHistoryDatabase(options.HistoryDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return exitFatal
	}
	defer db.Close()

	record, err := db.GetSession(options.ShowHistory)
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Fprintf(os.Stderr, "错误: 扫描记录 #%d 不存在\n", options.ShowHistory)
		return exitFatal
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 查询扫描记录失败: %v\n", err)
		return exitFatal
	}

	results, err := db.LookupResults(record.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 查询端口结果失败: %v\n", err)
		return exitFatal
	}

	report := record.Session(results).Report()
	if err := cli.NewOutputFormatter(options.OutputFormat).PrintResult(report, options.OutputFile); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return exitFatal
	}
	return exitOK
}

// 从目标字符串中提取主机名
func extractHostname(target string) string {
	target = strings.TrimSpace(target)

	// 如果包含://，则尝试解析为URL
	if strings.Contains(target, "://") {
		parsedURL, err := url.Parse(target)
		if err == nil && parsedURL.Hostname() != "" {
			return parsedURL.Hostname()
		}
	}

	// 否则，假设它是主机名或IP地址
	// 移除可能的路径部分
	if idx := strings.Index(target, "/"); idx != -1 {
		return target[:idx]
	}

	return target
}
