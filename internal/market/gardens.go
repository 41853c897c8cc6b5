package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"QuestPilot-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// GardenReader 是扫描花园池所需的只读视图。
type GardenReader interface {
	PoolLength(ctx context.Context) (uint64, error)
	PoolInfo(ctx context.Context, id uint64) (ledger.GardenPool, error)
	UserInfo(ctx context.Context, id uint64, owner common.Address) (*big.Int, error)
}

// GardenStake 是 owner 持有 LP 的一个花园池。
type GardenStake struct {
	PoolID  uint64         `json:"pool_id"`
	LPToken common.Address `json:"lp_token"`
	Amount  float64        `json:"amount"`
}

// DiscoverGardens 遍历全部花园池并返回 owner 持有正数 LP 的池，
// 用于在配置园艺队伍的 garden_id 时参考。
func DiscoverGardens(ctx context.Context, r GardenReader, owner common.Address, log *slog.Logger) ([]GardenStake, error) {
	n, err := r.PoolLength(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取花园池数量失败: %w", err)
	}

	var stakes []GardenStake
	for id := uint64(0); id < n; id++ {
		pool, err := r.PoolInfo(ctx, id)
		if err != nil {
			return stakes, fmt.Errorf("读取花园池 %d 失败: %w", id, err)
		}
		amount, err := r.UserInfo(ctx, id, owner)
		if err != nil {
			return stakes, fmt.Errorf("读取花园池 %d 持仓失败: %w", id, err)
		}
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		stake := GardenStake{PoolID: id, LPToken: pool.LPToken, Amount: FromWei(amount, jewelDecimals)}
		stakes = append(stakes, stake)
		if log != nil {
			log.Info("花园池持仓",
				slog.Uint64("pool_id", id),
				slog.String("lp_token", pool.LPToken.Hex()),
				slog.Float64("lp_amount", stake.Amount))
		}
	}
	return stakes, nil
}
