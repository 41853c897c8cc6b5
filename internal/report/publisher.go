package report

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 事件种类。
const (
	KindCycle    = "cycle.completed"
	KindReward   = "quest.reward"
	KindLaunch   = "quest.launched"
	KindSwap     = "jewel.swap"
	KindFallback = "rpc.fallback"
)

// Event 是推送给外部订阅方的一条 JSON 事件。
type Event struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent 序列化 payload 并生成事件标识。
func NewEvent(kind string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.NewString(), Kind: kind, At: time.Now().UTC(), Payload: body}, nil
}

// Publisher 定义事件发布能力。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemoryPublisher 在内存中保留最近的事件，供报告接口查询和测试使用。
type MemoryPublisher struct {
	mu     sync.RWMutex
	events []Event
	limit  int
	closed bool
}

// NewMemoryPublisher 创建保留最近 limit 条事件的发布器。
func NewMemoryPublisher(limit int) *MemoryPublisher {
	if limit <= 0 {
		limit = 256
	}
	return &MemoryPublisher{limit: limit}
}

// Publish 追加事件，超出上限时丢弃最旧的事件。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPublisherClosed
	}
	p.events = append(p.events, event)
	if over := len(p.events) - p.limit; over > 0 {
		p.events = append([]Event(nil), p.events[over:]...)
	}
	return nil
}

// Recent 返回最近 n 条事件，n 不大于零时返回全部。
func (p *MemoryPublisher) Recent(n int) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	start := 0
	if n > 0 && n < len(p.events) {
		start = len(p.events) - n
	}
	return append([]Event(nil), p.events[start:]...)
}

// Close 关闭发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
