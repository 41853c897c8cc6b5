package supervisor

import (
	"context"
	"log/slog"
	"math/big"

	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/market"
	"QuestPilot-Chain/internal/observability/metrics"
	"QuestPilot-Chain/internal/quest"

	"github.com/ethereum/go-ethereum/common"
)

// Seller 卖出 Jewel，由 market.DEX 实现。
type Seller interface {
	Sell(ctx context.Context, amount float64, kind string) (market.SwapRecord, error)
}

// Staker 质押 Jewel，由 market.Bank 实现。
type Staker interface {
	Stake(ctx context.Context, amount float64) (market.SwapRecord, error)
}

// BalanceReader 读取代币余额。
type BalanceReader interface {
	BalanceOf(ctx context.Context, token string, owner common.Address) (*big.Int, error)
}

// Toggles 提供运行期可修改的处理开关。
type Toggles interface {
	AutoSell() bool
	AutoStake() bool
}

// SwapSink 接收卖出与质押记录。
type SwapSink interface {
	AppendSwap(record market.SwapRecord)
}

// Disposer 处理本轮从 Jewel 矿获得的 Jewel。
type Disposer struct {
	balances BalanceReader
	owner    common.Address
	jewel    common.Address
	seller   Seller
	staker   Staker
	toggles  Toggles
	sink     SwapSink
}

// NewDisposer 构造 Disposer。seller 与 staker 可以为空，对应的开关打开时只记录日志。
func NewDisposer(balances BalanceReader, owner, jewel common.Address, seller Seller, staker Staker, toggles Toggles, sink SwapSink) *Disposer {
	return &Disposer{
		balances: balances,
		owner:    owner,
		jewel:    jewel,
		seller:   seller,
		staker:   staker,
		toggles:  toggles,
		sink:     sink,
	}
}

// JewelEarned 汇总 Jewel 矿任务奖励中的 Jewel，保留三位小数。
func JewelEarned(records []quest.RewardRecord, jewel common.Address) float64 {
	total := 0.0
	for _, r := range records {
		if r.Type != quest.MiningJewel {
			continue
		}
		total += r.AmountOf(jewel)
	}
	return market.RoundTo(total, 3)
}

// Dispose 只在恰好打开一个开关时执行一次卖出或质押，成功时返回记录。失败只记录日志。
func (d *Disposer) Dispose(ctx context.Context, log *slog.Logger, records []quest.RewardRecord) (market.SwapRecord, bool) {
	if d == nil || len(records) == 0 {
		return market.SwapRecord{}, false
	}
	sell, stake := d.toggles.AutoSell(), d.toggles.AutoStake()
	if sell == stake {
		if sell {
			log.Warn("自动卖出与自动质押同时开启，本轮不处理 Jewel")
		}
		return market.SwapRecord{}, false
	}

	amount := JewelEarned(records, d.jewel)
	if amount <= 0 {
		return market.SwapRecord{}, false
	}
	balanceWei, err := d.balances.BalanceOf(ctx, ledger.ContractJewel, d.owner)
	if err != nil {
		log.Warn("读取 Jewel 余额失败", slog.Any("error", err))
		return market.SwapRecord{}, false
	}
	balance := market.FromWei(balanceWei, 18)
	if amount > balance {
		log.Warn("Jewel 余额不足，跳过处理", slog.Float64("amount", amount), slog.Float64("balance", balance))
		return market.SwapRecord{}, false
	}

	kind := "sell"
	var record market.SwapRecord
	switch {
	case sell && d.seller != nil:
		record, err = d.seller.Sell(ctx, amount, market.KindAuto)
	case stake && d.staker != nil:
		kind = "stake"
		record, err = d.staker.Stake(ctx, amount)
	default:
		log.Warn("未配置对应的 Jewel 处理合约", slog.Bool("auto_sell", sell), slog.Bool("auto_stake", stake))
		return market.SwapRecord{}, false
	}
	if err != nil {
		metrics.DisposalActions.WithLabelValues(kind, "error").Inc()
		log.Error("处理 Jewel 失败", slog.String("kind", kind), slog.Float64("amount", amount), slog.Any("error", err))
		return market.SwapRecord{}, false
	}
	metrics.DisposalActions.WithLabelValues(kind, "ok").Inc()
	if d.sink != nil {
		d.sink.AppendSwap(record)
	}
	return record, true
}
