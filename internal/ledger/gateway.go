package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/observability/metrics"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// ContractSpec 描述一个需要在每个会话上绑定的合约。
type ContractSpec struct {
	Name    string
	Address common.Address
	ABI     string
}

// SignerLoader 加载签名身份，失败时网关返回 CREDENTIAL 错误。
type SignerLoader func(ctx context.Context) (*web3.Signer, error)

// Counters 由共享上下文实现，记录端点切换和清空 RPC 错误列表。
type Counters interface {
	RecordSwitch() int
	ClearRPCErrors()
}

// Action 是一次可重试的链上提交。
type Action func(ctx context.Context) (*web3.Receipt, error)

// Gateway 持有当前 RPC 会话并对外提供合约句柄、带重试的提交和端点回退。
// 句柄在每次调用时解析到当前会话，回退后无需重新获取。
type Gateway struct {
	dial     web3.Dialer
	rotation *web3.Rotation
	specs    []ContractSpec
	loadKey  SignerLoader
	counters Counters
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	session   web3.Session
	contracts map[string]web3.Contract
	signer    *web3.Signer
}

// Option 定义可选配置。
type Option func(*Gateway)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithJournal 配置交易流水存储。
func WithJournal(j Journal) Option {
	return func(g *Gateway) {
		if j != nil {
			g.journal = j
		}
	}
}

// WithCounters 配置共享计数器。
func WithCounters(c Counters) Option {
	return func(g *Gateway) {
		g.counters = c
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway 构造 Gateway，此时尚未建立连接。
func NewGateway(dial web3.Dialer, rotation *web3.Rotation, specs []ContractSpec, loadKey SignerLoader, opts ...Option) *Gateway {
	g := &Gateway{
		dial:     dial,
		rotation: rotation,
		specs:    append([]ContractSpec(nil), specs...),
		loadKey:  loadKey,
		journal:  NewMemoryJournal(0),
		logger:   logger.Named("ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Connect 连接指定端点并绑定全部合约，成功后原子替换当前会话。
func (g *Gateway) Connect(ctx context.Context, endpoint string) error {
	session, contracts, err := g.open(ctx, endpoint)
	if err != nil {
		return err
	}

	g.mu.Lock()
	previous := g.session
	g.session = session
	g.contracts = contracts
	if g.signer != nil {
		session.SetSigner(g.signer)
	}
	g.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	g.logger.Info("已连接 RPC 端点", slog.String("endpoint", endpoint))
	return nil
}

func (g *Gateway) open(ctx context.Context, endpoint string) (web3.Session, map[string]web3.Contract, error) {
	if g.dial == nil {
		return nil, nil, xerrors.New(xerrors.CodeConfiguration, "未配置 RPC 拨号器")
	}
	session, err := g.dial(ctx, endpoint)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeTransientLedger, err, "连接 RPC 端点失败",
			xerrors.WithMetadata("endpoint", endpoint))
	}
	contracts := make(map[string]web3.Contract, len(g.specs))
	for _, spec := range g.specs {
		contract, err := session.Bind(spec.Address, spec.ABI)
		if err != nil {
			session.Close()
			return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err,
				fmt.Sprintf("绑定合约 %s 失败", spec.Name))
		}
		contracts[spec.Name] = contract
	}
	return session, contracts, nil
}

// ConnectWallet 加载签名身份并安装到当前会话。
func (g *Gateway) ConnectWallet(ctx context.Context) error {
	if g.loadKey == nil {
		return xerrors.New(xerrors.CodeCredential, "未配置钱包加载器")
	}
	signer, err := g.loadKey(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCredential, err, "加载钱包失败")
	}
	if signer == nil || signer.Key == nil {
		return xerrors.New(xerrors.CodeCredential, "钱包加载器返回空身份")
	}

	g.mu.Lock()
	g.signer = signer
	if g.session != nil {
		g.session.SetSigner(signer)
	}
	g.mu.Unlock()

	g.logger.Info("钱包已就绪", slog.String("address", signer.From.Hex()))
	return nil
}

// Address 返回签名地址，未加载钱包时为零地址。
func (g *Gateway) Address() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.signer == nil {
		return common.Address{}
	}
	return g.signer.From
}

// Endpoint 返回当前会话的端点。
func (g *Gateway) Endpoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.session == nil {
		return ""
	}
	return g.session.Endpoint()
}

// Contract 返回按名称解析的合约句柄。
func (g *Gateway) Contract(name string) web3.Contract {
	return &handle{gateway: g, name: name}
}

// At 在当前会话上临时绑定任意地址的合约，例如交易对。
func (g *Gateway) At(address common.Address, abiJSON string) (web3.Contract, error) {
	g.mu.RLock()
	session := g.session
	g.mu.RUnlock()
	if session == nil {
		return nil, xerrors.New(xerrors.CodeTransientLedger, "尚未连接 RPC 端点")
	}
	contract, err := session.Bind(address, abiJSON)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "绑定合约失败")
	}
	return &classified{inner: contract}, nil
}

func (g *Gateway) resolve(name string) (web3.Contract, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.session == nil {
		return nil, xerrors.New(xerrors.CodeTransientLedger, "尚未连接 RPC 端点")
	}
	contract, ok := g.contracts[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未绑定合约 %s", name))
	}
	return contract, nil
}

// Submit 最多执行 maxAttempts 次 action。回执状态非成功视为 TRANSACTION_REJECTED
// 并重试；成功立即返回；次数耗尽时原样返回最后一次的错误。
func (g *Gateway) Submit(ctx context.Context, label string, maxAttempts int, action Action) (*web3.Receipt, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		receipt, err := action(ctx)
		switch {
		case err != nil:
			err = Classify(err)
		case receipt == nil:
			err = xerrors.New(xerrors.CodeTransientLedger, "交易未返回回执")
		case !receipt.Succeeded():
			err = xerrors.New(xerrors.CodeTransactionRejected,
				fmt.Sprintf("交易 %s 回执状态为 %d", label, receipt.Status),
				xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()))
		}

		g.record(ctx, label, attempt, maxAttempts, receipt, err)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (g *Gateway) record(ctx context.Context, label string, attempt, maxAttempts int, receipt *web3.Receipt, err error) {
	entry := JournalEntry{
		Label:       label,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Endpoint:    g.Endpoint(),
		Outcome:     OutcomeSuccess,
		CreatedAt:   g.now().UTC(),
	}
	if receipt != nil {
		entry.TxHash = receipt.TxHash.Hex()
	}
	if err != nil {
		entry.Outcome = OutcomeError
		if xerrors.HasCode(err, xerrors.CodeTransactionRejected) {
			entry.Outcome = OutcomeRejected
		}
		entry.ErrorCode = string(xerrors.CodeOf(err))
		entry.Error = err.Error()
	}

	metrics.TxAttempts.WithLabelValues(label, entry.Outcome).Inc()
	logger.Audit().Info("tx_attempt",
		slog.String("label", label),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxAttempts),
		slog.String("endpoint", entry.Endpoint),
		slog.String("tx_hash", entry.TxHash),
		slog.String("outcome", entry.Outcome),
		slog.String("error", entry.Error),
	)
	if err != nil {
		g.logger.Warn("交易尝试失败", slog.String("label", label), slog.Int("attempt", attempt), slog.Any("error", err))
	}

	if jerr := g.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		g.logger.Warn("写入交易流水失败", slog.Any("error", jerr))
	}
}

// Fallback 切换到轮换列表中的下一个端点。切换计数每次尝试都会递增；
// 成功时提交轮换指针并清空 RPC 错误列表，失败时保持原会话、指针和错误列表。
func (g *Gateway) Fallback(ctx context.Context) error {
	switches := 0
	if g.counters != nil {
		switches = g.counters.RecordSwitch()
	}
	from := g.rotation.Current()
	next := g.rotation.Peek()

	err := g.Connect(ctx, next)
	if err == nil {
		if werr := g.ConnectWallet(ctx); werr != nil {
			err = werr
		}
	}
	if err != nil {
		metrics.Fallbacks.WithLabelValues("failed").Inc()
		g.logger.Error("切换 RPC 端点失败",
			slog.String("from", from),
			slog.String("to", next),
			slog.Int("switches", switches),
			slog.Any("error", err))
		logger.Audit().Warn("rpc_fallback", slog.String("from", from), slog.String("to", next), slog.String("result", "failed"))
		if g.Endpoint() != from {
			// 钱包重连失败时回到原端点，避免使用未签名的会话。
			if rerr := g.Connect(ctx, from); rerr != nil {
				g.logger.Error("恢复原 RPC 端点失败", slog.String("endpoint", from), slog.Any("error", rerr))
			}
		}
		return err
	}

	g.rotation.Advance()
	if g.counters != nil {
		g.counters.ClearRPCErrors()
	}
	metrics.Fallbacks.WithLabelValues("ok").Inc()
	g.logger.Info("已切换 RPC 端点", slog.String("from", from), slog.String("to", next), slog.Int("switches", switches))
	logger.Audit().Info("rpc_fallback", slog.String("from", from), slog.String("to", next), slog.String("result", "ok"))
	return nil
}

// Close 释放当前会话。
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		g.session.Close()
		g.session = nil
		g.contracts = nil
	}
}

// handle 在每次调用时解析当前会话中的同名合约。
type handle struct {
	gateway *Gateway
	name    string
}

func (h *handle) Address() common.Address {
	for _, spec := range h.gateway.specs {
		if spec.Name == h.name {
			return spec.Address
		}
	}
	return common.Address{}
}

func (h *handle) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	contract, err := h.gateway.resolve(h.name)
	if err != nil {
		return nil, err
	}
	out, err := contract.Call(ctx, method, args...)
	return out, Classify(err)
}

func (h *handle) Transact(ctx context.Context, method string, args ...any) (*web3.Receipt, error) {
	contract, err := h.gateway.resolve(h.name)
	if err != nil {
		return nil, err
	}
	receipt, err := contract.Transact(ctx, method, args...)
	return receipt, Classify(err)
}

type classified struct {
	inner web3.Contract
}

func (c *classified) Address() common.Address { return c.inner.Address() }

func (c *classified) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	out, err := c.inner.Call(ctx, method, args...)
	return out, Classify(err)
}

func (c *classified) Transact(ctx context.Context, method string, args ...any) (*web3.Receipt, error) {
	receipt, err := c.inner.Transact(ctx, method, args...)
	return receipt, Classify(err)
}
