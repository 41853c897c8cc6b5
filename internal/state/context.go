package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/market"
	"QuestPilot-Chain/internal/quest"
)

// RPCError 是滚动错误列表中的一项。
type RPCError struct {
	Code   string    `json:"code"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Snapshot 是最近一轮调度结束时的状态。
type Snapshot struct {
	Running       []ledger.QuestInstance `json:"running"`
	Completed     []ledger.QuestInstance `json:"completed"`
	Launched      []quest.Launched       `json:"launched"`
	SoonStartable []quest.SoonStartable  `json:"soon_startable"`
	NextRunAt     time.Time              `json:"next_run_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// TypeSummary 汇总某一任务类型的历史奖励。
type TypeSummary struct {
	Type    quest.Type         `json:"type"`
	Quests  int                `json:"quests"`
	XP      uint64             `json:"xp"`
	SkillUp float64            `json:"skill_up"`
	Items   map[string]float64 `json:"items"`
}

// Context 在调度循环与报告接口之间共享。除两个开关外，报告接口只读。
type Context struct {
	mu        sync.RWMutex
	rpcErrors []RPCError
	switches  int
	rewards   []quest.RewardRecord
	swaps     []market.SwapRecord
	snapshot  Snapshot

	autoSell  atomic.Bool
	autoStake atomic.Bool

	now func() time.Time
}

// New 以配置中的开关初始值构造 Context。
func New(autoSell, autoStake bool) *Context {
	c := &Context{now: time.Now}
	c.autoSell.Store(autoSell)
	c.autoStake.Store(autoStake)
	return c
}

// AppendRPCError 记录一次可回退的错误并返回当前列表长度。
func (c *Context) AppendRPCError(err error) int {
	if err == nil {
		return c.RPCErrorCount()
	}
	entry := RPCError{Code: string(xerrors.CodeOf(err)), Reason: err.Error(), At: c.now().UTC()}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpcErrors = append(c.rpcErrors, entry)
	return len(c.rpcErrors)
}

// ClearRPCErrors 在端点切换成功后清空错误列表。
func (c *Context) ClearRPCErrors() {
	c.mu.Lock()
	c.rpcErrors = nil
	c.mu.Unlock()
}

// RPCErrorCount 返回错误列表长度。
func (c *Context) RPCErrorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rpcErrors)
}

// RPCErrors 返回错误列表的副本。
func (c *Context) RPCErrors() []RPCError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RPCError(nil), c.rpcErrors...)
}

// RecordSwitch 在每次尝试切换端点时调用，返回累计次数。
func (c *Context) RecordSwitch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.switches++
	return c.switches
}

// SwitchCount 返回累计切换次数。
func (c *Context) SwitchCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.switches
}

// ResetSwitches 在追加长退避后把切换计数归零。
func (c *Context) ResetSwitches() {
	c.mu.Lock()
	c.switches = 0
	c.mu.Unlock()
}

// AppendReward 实现 quest.RewardSink。
func (c *Context) AppendReward(record quest.RewardRecord) {
	c.mu.Lock()
	c.rewards = append(c.rewards, record)
	c.mu.Unlock()
}

// Rewards 返回全部奖励记录的副本。
func (c *Context) Rewards() []quest.RewardRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]quest.RewardRecord(nil), c.rewards...)
}

// RewardSummary 按任务类型汇总奖励历史，结果按类型排序。
func (c *Context) RewardSummary() []TypeSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byType := map[quest.Type]*TypeSummary{}
	for _, r := range c.rewards {
		s, ok := byType[r.Type]
		if !ok {
			s = &TypeSummary{Type: r.Type, Items: map[string]float64{}}
			byType[r.Type] = s
		}
		s.Quests++
		s.XP += r.XP
		s.SkillUp += r.SkillUp
		for _, item := range r.Items {
			s.Items[item.Name] += item.Amount
		}
	}

	out := make([]TypeSummary, 0, len(byType))
	for _, s := range byType {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// AppendSwap 记录一次卖出或质押。
func (c *Context) AppendSwap(record market.SwapRecord) {
	c.mu.Lock()
	c.swaps = append(c.swaps, record)
	c.mu.Unlock()
}

// Swaps 返回兑换历史的副本。
func (c *Context) Swaps() []market.SwapRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]market.SwapRecord(nil), c.swaps...)
}

// SetSnapshot 替换状态快照。
func (c *Context) SetSnapshot(s Snapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = c.now().UTC()
	}
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}

// SetNextRun 只更新快照中的下一轮时间。
func (c *Context) SetNextRun(at time.Time) {
	c.mu.Lock()
	c.snapshot.NextRunAt = at
	c.mu.Unlock()
}

// Snapshot 返回最近的状态快照。
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// AutoSell 报告自动卖出是否开启。
func (c *Context) AutoSell() bool { return c.autoSell.Load() }

// AutoStake 报告自动质押是否开启。
func (c *Context) AutoStake() bool { return c.autoStake.Load() }

// SetAutoSell 修改自动卖出开关。两者互斥只在启动时校验。
func (c *Context) SetAutoSell(enabled bool) { c.autoSell.Store(enabled) }

// SetAutoStake 修改自动质押开关。
func (c *Context) SetAutoStake(enabled bool) { c.autoStake.Store(enabled) }
