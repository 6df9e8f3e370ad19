package scanner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"TanZhen/internal/model"
)

// MockConn 模拟 net.Conn
type MockConn struct {
	onClose func()
	once    sync.Once
}

func (mc *MockConn) Read(b []byte) (n int, err error)   { return 0, io.EOF }
func (mc *MockConn) Write(b []byte) (n int, err error)  { return len(b), nil }
func (mc *MockConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (mc *MockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (mc *MockConn) SetDeadline(t time.Time) error      { return nil }
func (mc *MockConn) SetReadDeadline(t time.Time) error  { return nil }
func (mc *MockConn) SetWriteDeadline(t time.Time) error { return nil }

func (mc *MockConn) Close() error {
	mc.once.Do(func() {
		if mc.onClose != nil {
			mc.onClose()
		}
	})
	return nil
}

// dialFunc 将函数适配为 Dialer
type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

func (f dialFunc) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	return f(network, address, timeout)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func refusedError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func portOf(t *testing.T, address string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(address)
	if err != nil {
		t.Errorf("无效地址 %q: %v", address, err)
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}

// openPortsDialer 指定端口返回连接，其余端口拒绝
func openPortsDialer(t *testing.T, open map[int]bool) Dialer {
	return dialFunc(func(network, address string, _ time.Duration) (net.Conn, error) {
		if open[portOf(t, address)] {
			return &MockConn{}, nil
		}
		return nil, refusedError()
	})
}

// startListener 启动本地监听，handle 在每个连接上执行
func startListener(t *testing.T, handle func(net.Conn)) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()

	return l.Addr().(*net.TCPAddr).Port
}

func portsRange(from, to int) []int {
	ports := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		ports = append(ports, p)
	}
	return ports
}

func TestScanPort_Open(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	port := startListener(t, func(c net.Conn) {
		<-done
		c.Close()
	})

	ps := NewPortScanner(Config{Timeout: time.Second})
	res := ps.ScanPort("127.0.0.1", port)

	if res.State != model.StateOpen {
		t.Fatalf("期望 OPEN, 实际得到 %s (%s)", res.State, res.Detail)
	}
	if res.Banner != "" {
		t.Errorf("未开启banner采集时banner应为空, 得到 %q", res.Banner)
	}
	if res.Protocol != "tcp" {
		t.Errorf("协议应为 tcp, 得到 %s", res.Protocol)
	}
}

func TestScanPort_BannerServerGreets(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	port := startListener(t, func(c net.Conn) {
		c.Write([]byte("SSH-2.0-OpenSSH_9.6p1 Ubuntu-3ubuntu13\r\n"))
		<-done
		c.Close()
	})

	ps := NewPortScanner(Config{Timeout: time.Second, GrabBanner: true, BannerPorts: []int{port}})
	res := ps.ScanPort("127.0.0.1", port)

	if res.State != model.StateOpen {
		t.Fatalf("期望 OPEN, 实际得到 %s", res.State)
	}
	if !strings.HasPrefix(res.Banner, "SSH-2.0-OpenSSH_9.6p1") {
		t.Errorf("banner 不正确: %q", res.Banner)
	}
	if res.Service != "SSH" {
		t.Errorf("服务应为 SSH, 得到 %s", res.Service)
	}
	if res.Version != "9.6" {
		t.Errorf("版本应为 9.6, 得到 %q", res.Version)
	}
}

func TestScanPort_BannerHTTPProbe(t *testing.T) {
	requests := make(chan string, 1)
	port := startListener(t, func(c net.Conn) {
		defer c.Close()
		c.SetDeadline(time.Now().Add(2 * time.Second))
		reader := bufio.NewReader(c)
		line, _ := reader.ReadString('\n')
		requests <- line
		// 读完整个请求再响应，避免关闭时残留数据触发RST
		for {
			rest, err := reader.ReadString('\n')
			if err != nil || rest == "\r\n" {
				break
			}
		}
		c.Write([]byte("HTTP/1.1 400 Bad Request\r\nServer: nginx/1.25.3\r\n\r\n"))
	})

	ps := NewPortScanner(Config{Timeout: time.Second, GrabBanner: true, BannerPorts: []int{port}})
	res := ps.ScanPort("127.0.0.1", port)

	select {
	case line := <-requests:
		if line != "GET / HTTP/1.1\r\n" {
			t.Errorf("探测包不正确: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("服务端未收到探测包")
	}

	if res.State != model.StateOpen {
		t.Fatalf("期望 OPEN, 实际得到 %s", res.State)
	}
	if res.Service != "HTTP" {
		t.Errorf("服务应为 HTTP, 得到 %s", res.Service)
	}
	if res.Version != "1.25.3" {
		t.Errorf("版本应为 1.25.3, 得到 %q", res.Version)
	}
}

func TestScanPort_BannerNoData(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	silent := startListener(t, func(c net.Conn) {
		<-done
		c.Close()
	})
	hangup := startListener(t, func(c net.Conn) {
		c.Close()
	})

	timeout := 200 * time.Millisecond
	ps := NewPortScanner(Config{Timeout: timeout, GrabBanner: true})

	for name, port := range map[string]int{"无数据": silent, "直接断开": hangup} {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			res := ps.ScanPort("127.0.0.1", port)
			elapsed := time.Since(start)

			if res.State != model.StateOpen {
				t.Fatalf("期望 OPEN, 实际得到 %s (%s)", res.State, res.Detail)
			}
			if res.Banner != "" {
				t.Errorf("banner 应为空, 得到 %q", res.Banner)
			}
			if res.Service != model.UnknownService {
				t.Errorf("服务应为 UNKNOWN, 得到 %s", res.Service)
			}
			if elapsed > timeout*10 {
				t.Errorf("banner 读取未受超时限制: %v", elapsed)
			}
		})
	}
}

func TestScanPort_BannerInvalidUTF8(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	port := startListener(t, func(c net.Conn) {
		c.Write([]byte("SSH-2.0-\xff\xfe\r\n"))
		<-done
		c.Close()
	})

	ps := NewPortScanner(Config{Timeout: time.Second, GrabBanner: true})
	res := ps.ScanPort("127.0.0.1", port)

	if res.State != model.StateOpen {
		t.Fatalf("期望 OPEN, 实际得到 %s", res.State)
	}
	if !strings.Contains(res.Banner, "�") {
		t.Errorf("无效字节应被替换: %q", res.Banner)
	}
}

func TestScanPort_Closed(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	timeout := 2 * time.Second
	ps := NewPortScanner(Config{Timeout: timeout})

	start := time.Now()
	res := ps.ScanPort("127.0.0.1", port)
	elapsed := time.Since(start)

	if res.State != model.StateClosed {
		t.Fatalf("期望 CLOSED, 实际得到 %s (%s)", res.State, res.Detail)
	}
	if elapsed >= timeout {
		t.Errorf("关闭端口应在超时前返回, 耗时 %v", elapsed)
	}
}

func TestScanPort_Filtered(t *testing.T) {
	timeout := 150 * time.Millisecond
	// 模拟静默丢包：等满超时后返回超时错误
	var passed time.Duration
	dialer := dialFunc(func(network, address string, d time.Duration) (net.Conn, error) {
		passed = d
		time.Sleep(d)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}}
	})

	ps := NewPortScanner(Config{Timeout: timeout, Dialer: dialer})

	start := time.Now()
	res := ps.ScanPort("192.0.2.1", 8081)
	elapsed := time.Since(start)

	if res.State != model.StateFiltered {
		t.Fatalf("期望 FILTERED, 实际得到 %s", res.State)
	}
	if passed != timeout {
		t.Fatalf("拨号超时为 %v, 期望配置的 %v", passed, timeout)
	}
	if elapsed < timeout {
		t.Errorf("应等待完整超时 %v, 实际 %v", timeout, elapsed)
	}
	if elapsed > timeout*5 {
		t.Errorf("等待时间过长: %v", elapsed)
	}
	if res.Detail != "" {
		t.Errorf("FILTERED 不应带错误详情: %q", res.Detail)
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := map[string]struct {
		err        error
		wantState  model.PortState
		wantDetail string
	}{
		"超时": {
			err:       &net.OpError{Op: "dial", Err: timeoutError{}},
			wantState: model.StateFiltered,
		},
		"context超时": {
			err:       context.DeadlineExceeded,
			wantState: model.StateFiltered,
		},
		"连接被拒绝": {
			err:       refusedError(),
			wantState: model.StateClosed,
		},
		"连接被重置": {
			err:       &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNRESET)},
			wantState: model.StateClosed,
		},
		"文本拒绝": {
			err:       errors.New("dial tcp 127.0.0.1:81: connection refused"),
			wantState: model.StateClosed,
		},
		"文件描述符耗尽": {
			err:        &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("socket", syscall.EMFILE)},
			wantState:  model.StateError,
			wantDetail: "socket: too many open files",
		},
		"网络不可达": {
			err:        &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)},
			wantState:  model.StateError,
			wantDetail: "connect: network is unreachable",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			state, detail := classifyDialError(tt.err)
			if state != tt.wantState {
				t.Errorf("状态为 %s, 期望 %s", state, tt.wantState)
			}
			if detail != tt.wantDetail {
				t.Errorf("详情为 %q, 期望 %q", detail, tt.wantDetail)
			}
		})
	}
}

func TestScanPort_ErrorResult(t *testing.T) {
	dialer := dialFunc(func(network, address string, _ time.Duration) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("socket", syscall.EMFILE)}
	})
	ps := NewPortScanner(Config{Timeout: time.Second, Dialer: dialer})

	res := ps.ScanPort("127.0.0.1", 22)
	if res.State != model.StateError {
		t.Fatalf("期望 ERROR, 实际得到 %s", res.State)
	}
	if res.Status() != "ERROR:socket: too many open files" {
		t.Errorf("状态文本不正确: %s", res.Status())
	}
	if res.Service != "SSH" {
		t.Errorf("服务应按端口表识别为 SSH, 得到 %s", res.Service)
	}
}

func TestScan_PanicContained(t *testing.T) {
	dialer := dialFunc(func(network, address string, _ time.Duration) (net.Conn, error) {
		panic("boom")
	})
	ps := NewPortScanner(Config{Timeout: time.Second, Threads: 2, Dialer: dialer})

	session := ps.Scan(context.Background(), model.Target{Raw: "x", ResolvedAddress: "127.0.0.1"}, []int{1, 2, 3}, nil)

	if len(session.Results) != 3 {
		t.Fatalf("期望 3 个结果, 得到 %d", len(session.Results))
	}
	if session.Counts.Error != 3 {
		t.Errorf("期望 3 个错误, 得到 %+v", session.Counts)
	}
	for _, r := range session.Results {
		if !strings.HasPrefix(r.Status(), "ERROR:panic") {
			t.Errorf("端口 %d 状态不正确: %s", r.Port, r.Status())
		}
	}
}

func TestScan_CompletedSession(t *testing.T) {
	open := map[int]bool{3: true, 17: true, 42: true}
	ps := NewPortScanner(Config{Timeout: time.Second, Threads: 8, Dialer: openPortsDialer(t, open)})

	ports := portsRange(1, 50)
	target := model.Target{Raw: "localhost", ResolvedAddress: "127.0.0.1"}

	var streamed int
	session := ps.Scan(context.Background(), target, ports, func(model.PortResult) { streamed++ })

	if len(session.Results) != len(ports) {
		t.Fatalf("结果数为 %d, 期望 %d", len(session.Results), len(ports))
	}
	if streamed != len(ports) {
		t.Errorf("回调次数为 %d, 期望 %d", streamed, len(ports))
	}
	if session.Counts.Total() != len(session.Results) {
		t.Errorf("计数之和 %d 不等于结果数 %d", session.Counts.Total(), len(session.Results))
	}
	if session.Counts.Open != 3 || session.Counts.Closed != 47 {
		t.Errorf("计数不正确: %+v", session.Counts)
	}
	if session.Interrupted {
		t.Error("完整扫描不应标记为中断")
	}
	if session.FinishedAt.Before(session.StartedAt) {
		t.Error("结束时间早于开始时间")
	}
	if session.ConcurrencyLimit != 8 || session.Timeout != time.Second {
		t.Errorf("会话参数不正确: limit=%d timeout=%v", session.ConcurrencyLimit, session.Timeout)
	}

	report := session.Report()
	if report.Status != "completed" {
		t.Errorf("报告状态应为 completed, 得到 %s", report.Status)
	}
	for i, entry := range report.Ports {
		if entry.Port != ports[i] {
			t.Fatalf("报告未按端口排序: 第 %d 行为 %d", i, entry.Port)
		}
	}
}

func TestConcurrentScan_RespectsLimit(t *testing.T) {
	const limit = 5
	var inFlight, maxInFlight int64

	dialer := dialFunc(func(network, address string, _ time.Duration) (net.Conn, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			max := atomic.LoadInt64(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt64(&maxInFlight, max, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &MockConn{onClose: func() { atomic.AddInt64(&inFlight, -1) }}, nil
	})

	ps := NewPortScanner(Config{Timeout: time.Second, Threads: limit, Dialer: dialer})

	var count int
	for range ps.ConcurrentScan(context.Background(), "127.0.0.1", portsRange(1000, 1059)) {
		count++
	}

	if count != 60 {
		t.Fatalf("结果数为 %d, 期望 60", count)
	}
	if got := atomic.LoadInt64(&maxInFlight); got > limit || got < 1 {
		t.Errorf("最大并发连接数为 %d, 上限 %d", got, limit)
	}
	if got := atomic.LoadInt64(&inFlight); got != 0 {
		t.Errorf("仍有 %d 个连接未关闭", got)
	}
}

func TestConcurrentScan_DispatchOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	dialer := dialFunc(func(network, address string, _ time.Duration) (net.Conn, error) {
		mu.Lock()
		order = append(order, portOf(t, address))
		mu.Unlock()
		return nil, refusedError()
	})

	ps := NewPortScanner(Config{Timeout: time.Second, Threads: 1, Dialer: dialer})
	ports := []int{7, 22, 80, 443, 8080}
	for range ps.ConcurrentScan(context.Background(), "127.0.0.1", ports) {
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(ports) {
		t.Fatalf("派发次数为 %d, 期望 %d", len(order), len(ports))
	}
	for i := range ports {
		if order[i] != ports[i] {
			t.Fatalf("派发顺序为 %v, 期望 %v", order, ports)
		}
	}
}

func TestScan_Cancelled(t *testing.T) {
	dialer := dialFunc(func(network, address string, _ time.Duration) (net.Conn, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, refusedError()
	})
	ps := NewPortScanner(Config{Timeout: time.Second, Threads: 4, Dialer: dialer})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ports := portsRange(1, 500)
	received := 0
	session := ps.Scan(ctx, model.Target{Raw: "127.0.0.1", ResolvedAddress: "127.0.0.1"}, ports, func(model.PortResult) {
		received++
		if received == 5 {
			cancel()
		}
	})

	if !session.Interrupted {
		t.Fatal("取消后的会话应标记为中断")
	}
	if len(session.Results) >= len(ports) || len(session.Results) < 5 {
		t.Fatalf("部分结果数异常: %d", len(session.Results))
	}
	if session.Counts.Total() != len(session.Results) {
		t.Errorf("计数之和 %d 不等于结果数 %d", session.Counts.Total(), len(session.Results))
	}
	if session.FinishedAt.IsZero() {
		t.Error("中断的会话也应记录结束时间")
	}

	seen := make(map[int]bool)
	for _, r := range session.Results {
		if seen[r.Port] {
			t.Fatalf("端口 %d 被探测了多次", r.Port)
		}
		seen[r.Port] = true
	}

	report := session.Report()
	if report.Status != "interrupted" || !report.Interrupted {
		t.Errorf("报告应标记为中断: %s", report.Status)
	}
}

func TestScan_CancelledBeforeStart(t *testing.T) {
	var dialed int64
	dialer := dialFunc(func(network, address string, _ time.Duration) (net.Conn, error) {
		atomic.AddInt64(&dialed, 1)
		return nil, refusedError()
	})
	ps := NewPortScanner(Config{Timeout: time.Second, Threads: 4, Dialer: dialer})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := ps.Scan(ctx, model.Target{Raw: "127.0.0.1", ResolvedAddress: "127.0.0.1"}, portsRange(1, 10), nil)

	if atomic.LoadInt64(&dialed) != 0 {
		t.Errorf("取消后不应再发起连接, 实际 %d 次", dialed)
	}
	if len(session.Results) != 0 || !session.Interrupted {
		t.Errorf("期望空的中断会话, 得到 %d 个结果, interrupted=%v", len(session.Results), session.Interrupted)
	}
}

func TestScan_NoPorts(t *testing.T) {
	ps := NewPortScanner(Config{Timeout: time.Second, Dialer: openPortsDialer(t, nil)})
	session := ps.Scan(context.Background(), model.Target{Raw: "127.0.0.1", ResolvedAddress: "127.0.0.1"}, nil, nil)

	if session.Interrupted {
		t.Error("空端口列表不应标记为中断")
	}
	if len(session.Results) != 0 || session.Counts.Total() != 0 {
		t.Errorf("期望空结果, 得到 %+v", session.Counts)
	}
}

func TestNewPortScanner_Defaults(t *testing.T) {
	ps := NewPortScanner(Config{})
	if ps.threads != DefaultThreads {
		t.Errorf("默认并发数为 %d, 期望 %d", ps.threads, DefaultThreads)
	}
	if ps.timeout != DefaultTimeout {
		t.Errorf("默认超时为 %v, 期望 %v", ps.timeout, DefaultTimeout)
	}
	if _, ok := ps.dialer.(tcpDialer); !ok {
		t.Errorf("默认应使用 tcpDialer, 得到 %T", ps.dialer)
	}
}

func TestTCPDialer(t *testing.T) {
	port := startListener(t, func(c net.Conn) { c.Close() })
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	conn, err := tcpDialer{}.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("连接本地监听失败: %v", err)
	}
	conn.Close()

	// 已过期的超时必须立即失败并归类为 FILTERED
	_, err = tcpDialer{}.DialTimeout("tcp", addr, time.Nanosecond)
	if err != nil {
		if state, _ := classifyDialError(err); state != model.StateFiltered {
			t.Errorf("超时错误应归类为 FILTERED, 得到 %s (%v)", state, err)
		}
	}
}

func TestShortDetail_RuneSafe(t *testing.T) {
	long := errors.New(strings.Repeat("连接失败", 40))
	detail := shortDetail(long)

	if !utf8.ValidString(detail) {
		t.Fatalf("详情被截断成无效UTF-8: %q", detail)
	}
	if n := utf8.RuneCountInString(detail); n != maxDetailLen {
		t.Errorf("详情长度为 %d 个字符, 期望 %d", n, maxDetailLen)
	}

	if got := shortDetail(errors.New("短错误")); got != "短错误" {
		t.Errorf("短详情不应被截断: %q", got)
	}
}
