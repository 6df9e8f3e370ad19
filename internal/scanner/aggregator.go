package scanner

import (
	"time"

	"TanZhen/internal/model"
)

// Aggregator 汇总探测结果，是会话状态的唯一写入者。
// 只应在一个协程中使用（即结果通道的消费者）。
type Aggregator struct {
	session *model.ScanSession
	now     func() time.Time
}

func NewAggregator(target model.Target, ports []int, limit int, timeout time.Duration) *Aggregator {
	return &Aggregator{
		session: &model.ScanSession{
			Target:           target,
			Ports:            ports,
			ConcurrencyLimit: limit,
			Timeout:          timeout,
			Results:          make([]model.PortResult, 0, len(ports)),
		},
		now: time.Now,
	}
}

// Start 记录开始时间
func (a *Aggregator) Start() {
	a.session.StartedAt = a.now()
}

// Add 追加一个结果并更新计数
func (a *Aggregator) Add(result model.PortResult) {
	switch result.State {
	case model.StateOpen:
		a.session.Counts.Open++
	case model.StateClosed:
		a.session.Counts.Closed++
	case model.StateFiltered:
		a.session.Counts.Filtered++
	case model.StateError:
		a.session.Counts.Error++
	default:
		result.Detail = "unknown state " + string(result.State)
		result.State = model.StateError
		a.session.Counts.Error++
	}

	a.session.Results = append(a.session.Results, result)
}

// Len 已收集的结果数
func (a *Aggregator) Len() int {
	return len(a.session.Results)
}

// Counts 当前计数
func (a *Aggregator) Counts() model.StateCounts {
	return a.session.Counts
}

// Finish 记录结束时间并返回会话，之后不应再调用 Add
func (a *Aggregator) Finish(interrupted bool) *model.ScanSession {
	if a.session.StartedAt.IsZero() {
		a.session.StartedAt = a.now()
	}
	a.session.FinishedAt = a.now()
	a.session.Interrupted = interrupted
	return a.session
}
