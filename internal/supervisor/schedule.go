package supervisor

import (
	"time"

	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/quest"
)

// Grace 是在预计时间之后额外等待的时长，保证链上状态已经更新。
const Grace = 60 * time.Second

// errorBackoffFactor 是切换次数达到上限后错误退避的放大倍数。
const errorBackoffFactor = 10

// Polling 是循环节奏参数。
type Polling struct {
	Quest        time.Duration
	InstantQuest time.Duration
	Error        time.Duration
}

// NextDelay 计算成功一轮之后到下一轮的等待时长。
// 启动了采集或钓鱼任务时使用短间隔；否则取最早的可启动时间与最早的完成时间中
// 较早者再加 Grace；两者都没有或结果不为正时使用常规间隔加 Grace。
func NextDelay(now time.Time, launched []quest.Launched, soon []quest.SoonStartable, running []ledger.QuestInstance, p Polling) time.Duration {
	for _, l := range launched {
		if l.Type.Instant() {
			return p.InstantQuest
		}
	}

	var next time.Time
	for _, s := range soon {
		if next.IsZero() || s.ReadyAt.Before(next) {
			next = s.ReadyAt
		}
	}
	for _, q := range running {
		if q.CompleteAt.IsZero() {
			continue
		}
		if next.IsZero() || q.CompleteAt.Before(next) {
			next = q.CompleteAt
		}
	}

	fallback := p.Quest + Grace
	if next.IsZero() {
		return fallback
	}
	wait := next.Add(Grace).Sub(now)
	if wait <= 0 {
		return fallback
	}
	return wait
}

// ErrorDelay 计算失败一轮之后的退避时长。切换次数达到上限时放大退避，
// 并通知调用方重置切换计数。
func ErrorDelay(switches, maxSwitches int, p Polling) (time.Duration, bool) {
	if maxSwitches > 0 && switches >= maxSwitches {
		return p.Error * errorBackoffFactor, true
	}
	return p.Error, false
}
