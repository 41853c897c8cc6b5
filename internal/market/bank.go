package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const bankName = "bank"

// Bank 把 Jewel 存入银行合约换取 xJewel。
type Bank struct {
	ledger  Ledger
	address common.Address
	now     func() time.Time
	logger  *slog.Logger
}

// NewBank 构造 Bank。
func NewBank(l Ledger, address common.Address) *Bank {
	return &Bank{ledger: l, address: address, now: time.Now, logger: logger.Named("market.bank")}
}

// Stake 授权后调用 enter 存入 amount 个 Jewel。
func (b *Bank) Stake(ctx context.Context, amount float64) (SwapRecord, error) {
	amountIn := ToWei(amount, jewelDecimals)
	if amountIn.Sign() <= 0 {
		return SwapRecord{}, fmt.Errorf("质押数量必须为正: %v", amount)
	}
	if err := ensureAllowance(ctx, b.ledger, b.address, amountIn); err != nil {
		return SwapRecord{}, err
	}

	bank := b.ledger.Contract(ledger.ContractBank)
	receipt, err := b.ledger.Submit(ctx, "enter", stakeAttempts, func(ctx context.Context) (*web3.Receipt, error) {
		return bank.Transact(ctx, "enter", amountIn)
	})
	if err != nil {
		return SwapRecord{}, fmt.Errorf("质押 Jewel 失败: %w", err)
	}

	record := SwapRecord{
		JewelSold:   amount,
		SoldForName: bankName,
		Kind:        KindStake,
		TxHash:      receipt.TxHash.Hex(),
		At:          b.now().UTC(),
	}
	b.logger.Info("已质押 Jewel", slog.Float64("jewel", amount))
	logger.Audit().Info("jewel_stake", slog.Float64("jewel", amount), slog.String("tx_hash", record.TxHash))
	return record, nil
}
