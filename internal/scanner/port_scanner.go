package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"TanZhen/internal/model"
	"TanZhen/internal/utils"
)

const (
	DefaultThreads = 100
	DefaultTimeout = time.Second

	bannerReadLimit = 1024
	maxDetailLen    = 80
	httpProbe       = "GET / HTTP/1.1\r\n\r\n"
)

// Dialer 在给定超时内建立TCP连接，测试中可替换
type Dialer interface {
	DialTimeout(network, address string, timeout time.Duration) (net.Conn, error)
}

// tcpDialer 默认拨号器
type tcpDialer struct{}

func (tcpDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: -1}
	return d.Dial(network, address)
}

// serverGreetsFirst 这些端口的服务会主动发送欢迎信息，无需写入探测包
var serverGreetsFirst = map[int]bool{
	21:  true, // FTP
	22:  true, // SSH
	23:  true, // Telnet
	25:  true, // SMTP
	110: true, // POP3
	143: true, // IMAP
	587: true, // SMTP submission
}

// Config 扫描器配置
type Config struct {
	Timeout     time.Duration
	Threads     int
	GrabBanner  bool
	BannerPorts []int
	Dialer      Dialer
	Verbose     bool
}

type PortScanner struct {
	timeout       time.Duration
	threads       int
	bannerEnabled bool
	bannerPorts   map[int]bool
	dialer        Dialer
	logger        *utils.Logger
	verbose       bool
}

func NewPortScanner(cfg Config) *PortScanner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = DefaultThreads
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = tcpDialer{}
	}

	bannerPorts := make(map[int]bool, len(cfg.BannerPorts))
	for _, port := range cfg.BannerPorts {
		bannerPorts[port] = true
	}

	return &PortScanner{
		timeout:       timeout,
		threads:       threads,
		bannerEnabled: cfg.GrabBanner,
		bannerPorts:   bannerPorts,
		dialer:        dialer,
		logger:        utils.NewLogger("scanner"),
		verbose:       cfg.Verbose,
	}
}

// ScanPort 探测单个端口，任何失败都体现在返回结果的状态中
func (ps *PortScanner) ScanPort(address string, port int) model.PortResult {
	result := model.PortResult{
		Port:     port,
		Protocol: "tcp",
	}

	target := net.JoinHostPort(address, strconv.Itoa(port))

	start := time.Now()
	conn, err := ps.dialer.DialTimeout("tcp", target, ps.timeout)
	result.Latency = time.Since(start)

	if err != nil {
		result.State, result.Detail = classifyDialError(err)
		result.Service = ClassifyService(port, "")
		if ps.verbose {
			ps.logger.WithField("port", port).Debug("连接 %s 失败: %v -> %s", target, err, result.State)
		}
		return result
	}
	defer conn.Close()

	result.State = model.StateOpen
	if ps.verbose {
		ps.logger.WithField("port", port).Debug("端口开放: %s (%v)", target, result.Latency)
	}

	if ps.shouldGrabBanner(port) {
		result.Banner = ps.grabBanner(conn, port)
		result.Version = utils.ExtractVersion(result.Banner)
		if ps.verbose && result.Banner != "" {
			ps.logger.WithField("port", port).Debug("banner: %s", model.PreviewBanner(result.Banner, model.BannerPreviewLen))
		}
	}

	result.Service = ClassifyService(port, result.Banner)
	return result
}

func (ps *PortScanner) shouldGrabBanner(port int) bool {
	if !ps.bannerEnabled {
		return false
	}
	// 未配置端口集合时对所有开放端口采集
	if len(ps.bannerPorts) == 0 {
		return true
	}
	return ps.bannerPorts[port]
}

// grabBanner 获取banner，读取失败返回空串
func (ps *PortScanner) grabBanner(conn net.Conn, port int) (banner string) {
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Error("端口 %d banner采集异常: %v", port, r)
			banner = ""
		}
	}()

	deadline := time.Now().Add(ps.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return ""
	}

	if !serverGreetsFirst[port] {
		if _, err := conn.Write([]byte(httpProbe)); err != nil {
			return ""
		}
	}

	buffer := make([]byte, bannerReadLimit)
	n, err := conn.Read(buffer)
	if n <= 0 {
		if err != nil && ps.verbose && !isTimeout(err) {
			ps.logger.Debug("端口 %d 读取失败: %v", port, err)
		}
		return ""
	}

	return strings.TrimSpace(strings.ToValidUTF8(string(buffer[:n]), "\uFFFD"))
}

// classifyDialError 超时 -> FILTERED，拒绝/重置 -> CLOSED，其余 -> ERROR
func classifyDialError(err error) (model.PortState, string) {
	if isTimeout(err) {
		return model.StateFiltered, ""
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return model.StateClosed, ""
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return model.StateClosed, ""
	}

	return model.StateError, shortDetail(err)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// shortDetail 取最内层错误信息，避免重复的地址前缀
func shortDetail(err error) string {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		err = opErr.Err
	}
	detail := []rune(err.Error())
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	return string(detail)
}

// safeScanPort 探测过程中的panic转换为 ERROR 结果，不影响调度
func (ps *PortScanner) safeScanPort(address string, port int) (result model.PortResult) {
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Error("端口 %d 探测异常: %v", port, r)
			result = model.PortResult{
				Port:     port,
				Protocol: "tcp",
				State:    model.StateError,
				Detail:   fmt.Sprintf("panic: %v", r),
				Service:  ClassifyService(port, ""),
			}
		}
	}()
	return ps.ScanPort(address, port)
}

// ConcurrentScan 并发扫描。端口按升序派发，同时在途的探测不超过 threads 个；
// 结果按完成顺序送出。ctx 取消后停止派发，已在途的探测照常完成并送出结果，
// 所有探测结束后关闭返回的通道。
func (ps *PortScanner) ConcurrentScan(ctx context.Context, address string, ports []int) <-chan model.PortResult {
	results := make(chan model.PortResult, ps.threads)
	sem := semaphore.NewWeighted(int64(ps.threads))

	go func() {
		var wg sync.WaitGroup
		defer close(results)

		for _, port := range ports {
			if ctx.Err() != nil {
				break
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}

			wg.Add(1)
			go func(port int) {
				defer wg.Done()
				defer sem.Release(1)
				results <- ps.safeScanPort(address, port)
			}(port)
		}

		wg.Wait()
	}()

	return results
}

// Scan 执行完整扫描会话并汇总结果。onResult 可为 nil，在汇总协程中按完成顺序调用。
func (ps *PortScanner) Scan(ctx context.Context, target model.Target, ports []int, onResult func(model.PortResult)) *model.ScanSession {
	agg := NewAggregator(target, ports, ps.threads, ps.timeout)
	agg.Start()

	if ps.verbose {
		ps.logger.Info("开始扫描 %s，共 %d 个端口，并发 %d，超时 %v",
			target.ResolvedAddress, len(ports), ps.threads, ps.timeout)
	}

	for result := range ps.ConcurrentScan(ctx, target.ResolvedAddress, ports) {
		agg.Add(result)
		if onResult != nil {
			onResult(result)
		}
	}

	interrupted := ctx.Err() != nil && agg.Len() < len(ports)
	session := agg.Finish(interrupted)

	if interrupted {
		ps.logger.Warn("扫描被中断，已收集 %d/%d 个端口结果", len(session.Results), len(ports))
	}

	return session
}
