package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// 处理奖励时使用的提交次数上限。
const (
	approveAttempts = 2
	swapAttempts    = 2
	stakeAttempts   = 2
	jewelDecimals   = 18
)

// SwapRecord 的种类。
const (
	KindAuto   = "auto"
	KindManual = "manual"
	KindStake  = "stake"
)

// Ledger 是卖出与质押所需的链上能力，由 ledger.Gateway 实现。
type Ledger interface {
	Address() common.Address
	Contract(name string) web3.Contract
	Submit(ctx context.Context, label string, maxAttempts int, action ledger.Action) (*web3.Receipt, error)
	BalanceOf(ctx context.Context, token string, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token string, owner, spender common.Address) (*big.Int, error)
	Reserves(ctx context.Context, pair common.Address) (reserve0, reserve1 *big.Int, token0 common.Address, err error)
	Quote(ctx context.Context, amount, reserveA, reserveB *big.Int) (*big.Int, error)
}

// Pool 是一个可卖出 Jewel 的交易对。
type Pool struct {
	Name     string
	Pair     common.Address
	Token    common.Address
	Decimals int
}

// SwapRecord 记录一次卖出或质押，只追加不修改。
type SwapRecord struct {
	JewelSold     float64   `json:"jewel_sold"`
	SoldForAmount float64   `json:"sold_for_amount"`
	SoldForName   string    `json:"sold_for_name"`
	Kind          string    `json:"kind"`
	TxHash        string    `json:"tx_hash"`
	At            time.Time `json:"at"`
}

// DEX 通过路由合约把 Jewel 兑换为首选池中的代币。
type DEX struct {
	ledger      Ledger
	router      common.Address
	jewel       common.Address
	pool        Pool
	slippageBps int64
	deadline    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// DEXConfig 描述 DEX 卖出参数。
type DEXConfig struct {
	Router        common.Address
	Jewel         common.Address
	Pools         []Pool
	PreferredPool string
	SlippageBps   int
	Deadline      time.Duration
}

// NewDEX 选择首选池（按名称匹配，否则取第一个）并构造 DEX。
func NewDEX(l Ledger, cfg DEXConfig) (*DEX, error) {
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("未配置任何交易对")
	}
	pool := cfg.Pools[0]
	for _, p := range cfg.Pools {
		if strings.EqualFold(p.Name, cfg.PreferredPool) {
			pool = p
			break
		}
	}
	if pool.Decimals <= 0 {
		pool.Decimals = jewelDecimals
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = 50
	}
	return &DEX{
		ledger:      l,
		router:      cfg.Router,
		jewel:       cfg.Jewel,
		pool:        pool,
		slippageBps: int64(slippage),
		deadline:    deadline,
		now:         time.Now,
		logger:      logger.Named("market.dex"),
	}, nil
}

// Pool 返回实际使用的交易对。
func (d *DEX) Pool() Pool {
	return d.pool
}

// MinimumOut 按滑点计算最少可接受的兑换数量。
func MinimumOut(expected *big.Int, slippageBps int64) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(10000-slippageBps))
	return out.Quo(out, big.NewInt(10000))
}

// OrientReserves 按 token0 把储备量排成 (jewel 侧, 对手侧)。
func OrientReserves(reserve0, reserve1 *big.Int, token0, jewel common.Address) (reserveIn, reserveOut *big.Int) {
	if token0 == jewel {
		return reserve0, reserve1
	}
	return reserve1, reserve0
}

// Sell 卖出 amount 个 Jewel。
func (d *DEX) Sell(ctx context.Context, amount float64, kind string) (SwapRecord, error) {
	amountIn := ToWei(amount, jewelDecimals)
	if amountIn.Sign() <= 0 {
		return SwapRecord{}, fmt.Errorf("卖出数量必须为正: %v", amount)
	}

	r0, r1, token0, err := d.ledger.Reserves(ctx, d.pool.Pair)
	if err != nil {
		return SwapRecord{}, fmt.Errorf("读取交易对 %s 储备失败: %w", d.pool.Name, err)
	}
	reserveIn, reserveOut := OrientReserves(r0, r1, token0, d.jewel)
	expected, err := d.ledger.Quote(ctx, amountIn, reserveIn, reserveOut)
	if err != nil {
		return SwapRecord{}, fmt.Errorf("路由报价失败: %w", err)
	}
	minOut := MinimumOut(expected, d.slippageBps)

	owner := d.ledger.Address()
	if err := ensureAllowance(ctx, d.ledger, d.router, amountIn); err != nil {
		return SwapRecord{}, err
	}

	path := []common.Address{d.jewel, d.pool.Token}
	deadline := big.NewInt(d.now().Add(d.deadline).Unix())
	router := d.ledger.Contract(ledger.ContractDEX)
	receipt, err := d.ledger.Submit(ctx, "swapExactTokensForTokens", swapAttempts, func(ctx context.Context) (*web3.Receipt, error) {
		return router.Transact(ctx, "swapExactTokensForTokens", amountIn, minOut, path, owner, deadline)
	})
	if err != nil {
		return SwapRecord{}, fmt.Errorf("兑换 Jewel 失败: %w", err)
	}

	record := SwapRecord{
		JewelSold:     amount,
		SoldForAmount: FromWei(expected, d.pool.Decimals),
		SoldForName:   d.pool.Name,
		Kind:          kind,
		TxHash:        receipt.TxHash.Hex(),
		At:            d.now().UTC(),
	}
	d.logger.Info("已卖出 Jewel",
		slog.Float64("jewel", record.JewelSold),
		slog.Float64("received", record.SoldForAmount),
		slog.String("pool", record.SoldForName),
		slog.String("min_out", minOut.String()))
	logger.Audit().Info("jewel_swap",
		slog.String("kind", kind),
		slog.Float64("jewel", record.JewelSold),
		slog.String("pool", record.SoldForName),
		slog.String("tx_hash", record.TxHash))
	return record, nil
}

// ensureAllowance 在 Jewel 授权额度不足时向 spender 授权 amount。
func ensureAllowance(ctx context.Context, l Ledger, spender common.Address, amount *big.Int) error {
	allowance, err := l.Allowance(ctx, ledger.ContractJewel, l.Address(), spender)
	if err != nil {
		return fmt.Errorf("读取 Jewel 授权额度失败: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	jewel := l.Contract(ledger.ContractJewel)
	if _, err := l.Submit(ctx, "approve", approveAttempts, func(ctx context.Context) (*web3.Receipt, error) {
		return jewel.Transact(ctx, "approve", spender, amount)
	}); err != nil {
		return fmt.Errorf("授权 Jewel 失败: %w", err)
	}
	return nil
}
