package quest

import (
	"math"
	"time"

	"QuestPilot-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// MinutesPerStamina 是恢复一点体力所需的分钟数。
const MinutesPerStamina = 20

// CurrentStamina 根据体力回满时间推算当前体力，结果限制在 [0, max]。
func CurrentStamina(max int, fullAt, now time.Time) int {
	if max <= 0 {
		return 0
	}
	if !now.Before(fullAt) {
		return max
	}
	minutesUntilFull := fullAt.Sub(now).Minutes()
	current := int(math.Floor(float64(max) - minutesUntilFull/MinutesPerStamina))
	if current < 0 {
		return 0
	}
	if current > max {
		return max
	}
	return current
}

// CanLevelUp 判断经验是否达到升级门槛。
func CanLevelUp(level uint16, xp uint64) bool {
	return xp >= uint64(level)*1000+1000
}

// Status 为英雄附加推导出的体力与任务状态。
func Status(h ledger.HeroRecord, now time.Time) HeroStatus {
	return HeroStatus{
		HeroRecord: h,
		Stamina:    CurrentStamina(h.MaxStamina, h.StaminaFullAt, now),
		Questing:   h.CurrentQuest != (common.Address{}),
	}
}

// readyAfter 返回体力从 current 恢复到 required 的时长。
func readyAfter(required, current int) time.Duration {
	missing := required - current
	if missing < 0 {
		missing = 0
	}
	return time.Duration(missing) * MinutesPerStamina * time.Minute
}
