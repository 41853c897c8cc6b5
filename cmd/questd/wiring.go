package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"QuestPilot-Chain/internal/config"
	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/market"
	"QuestPilot-Chain/internal/quest"
	"QuestPilot-Chain/internal/report"
	"QuestPilot-Chain/internal/state"
	"QuestPilot-Chain/internal/storage/mysql"
	"QuestPilot-Chain/internal/storage/redis"
	"QuestPilot-Chain/internal/supervisor"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/internal/web3/ethereum"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const gweiDecimals = 9

func buildTypeMap(entries map[string]string) (*quest.TypeMap, error) {
	typed := make(map[quest.Type]common.Address, len(entries))
	for name, addr := range entries {
		t, err := quest.ParseType(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "任务类型配置无效")
		}
		typed[t] = common.HexToAddress(addr)
	}
	return quest.NewTypeMap(typed)
}

func questDefinitions(file config.QuestFile) []quest.Definition {
	defs := make([]quest.Definition, 0, len(file.Quests))
	for _, q := range file.Quests {
		def := quest.Definition{
			Name:      q.Name,
			Activated: q.Activated,
			Contract:  common.HexToAddress(q.Contract),
		}
		for _, t := range q.Teams {
			def.Teams = append(def.Teams, quest.Team{
				Name:        t.Name,
				Heroes:      append([]uint64(nil), t.Heroes...),
				MinTeamSize: t.MinTeamSize,
				MinStamina:  t.MinStamina,
				GardenID:    t.GardenID,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

func itemCatalog(file config.QuestFile) quest.StaticCatalog {
	items := make([]quest.CatalogItem, 0, len(file.Items))
	for _, item := range file.Items {
		items = append(items, quest.CatalogItem{
			Address:  common.HexToAddress(item.Address),
			Name:     item.Name,
			Decimals: item.Decimals,
		})
	}
	return quest.NewCatalog(items)
}

func dialerConfig(cfg *config.Config) ethereum.Config {
	out := ethereum.Config{
		ChainID:        cfg.ChainID,
		GasLimit:       cfg.Gas.GasLimit,
		ReceiptTimeout: cfg.RPC.ReceiptTimeout.Duration,
	}
	if cfg.Gas.GasPriceGwei > 0 {
		out.GasPrice = market.ToWei(cfg.Gas.GasPriceGwei, gweiDecimals)
	}
	return out
}

// contractSpecs 列出每个会话需要绑定的合约，可选合约未配置时跳过。
func contractSpecs(c config.ContractsConfig) []ledger.ContractSpec {
	specs := []ledger.ContractSpec{
		{Name: ledger.ContractQuest, Address: common.HexToAddress(c.Quest), ABI: ledger.QuestCoreABI},
		{Name: ledger.ContractHero, Address: common.HexToAddress(c.Hero), ABI: ledger.HeroABI},
		{Name: ledger.ContractJewel, Address: common.HexToAddress(c.Jewel), ABI: ledger.ERC20ABI},
	}
	optional := []struct {
		name, address, abi string
	}{
		{ledger.ContractGardens, c.Gardens, ledger.GardensABI},
		{ledger.ContractDEX, c.DEX, ledger.RouterABI},
		{ledger.ContractBank, c.Bank, ledger.BankABI},
	}
	for _, o := range optional {
		if strings.TrimSpace(o.address) == "" {
			continue
		}
		specs = append(specs, ledger.ContractSpec{Name: o.name, Address: common.HexToAddress(o.address), ABI: o.abi})
	}
	return specs
}

// signerLoader 按环境变量、终端输入的顺序获取密码与私钥，交互输入每个进程只出现一次。
func signerLoader(w config.WalletConfig) ledger.SignerLoader {
	password := ethereum.Remember(ethereum.FirstSecret(
		envSecret(w.PasswordEnv),
		ethereum.PromptSecret("keystore 密码: "),
	))
	privateKey := ethereum.Remember(ethereum.FirstSecret(
		envSecret(w.PrivateKeyEnv),
		ethereum.PromptSecret("私钥 (仅首次创建 keystore 时需要): "),
	))
	walletCfg := ethereum.WalletConfig{
		KeystorePath: w.KeystorePath,
		Expected:     common.HexToAddress(w.Address),
		Password:     password,
		PrivateKey:   privateKey,
	}
	return func(context.Context) (*web3.Signer, error) {
		return ethereum.LoadOrCreateSigner(walletCfg)
	}
}

func envSecret(name string) ethereum.SecretSource {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	return ethereum.EnvSecret(name)
}

// journalStore 既供网关写入，也供报告接口读取。
type journalStore interface {
	ledger.Journal
	ledger.JournalReader
}

func openJournal(ctx context.Context, cfg *config.Config) (journalStore, func(), error) {
	switch cfg.Storage.Journal.Driver {
	case "", "memory":
		return ledger.NewMemoryJournal(0), func() {}, nil
	case "mysql":
		store, err := mysql.NewJournalStore(ctx, mysql.Config{
			DSN:             cfg.JournalDSN(),
			MaxOpenConns:    cfg.Storage.Journal.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Journal.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Journal.ConnMaxLifetime.Duration,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.L().Warn("关闭交易流水存储失败", slog.Any("error", err))
			}
		}, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的流水存储驱动: %s", cfg.Storage.Journal.Driver))
	}
}

// openPublisher 返回事件发布器，以及供报告接口读取的内存事件列表（非内存驱动时为空）。
func openPublisher(cfg *config.Config) (report.Publisher, *report.MemoryPublisher, error) {
	pc := cfg.Report.Publisher
	switch pc.Driver {
	case "", "memory":
		events := report.NewMemoryPublisher(pc.Buffer)
		return events, events, nil
	case "rabbitmq":
		publisher, err := report.NewRabbitMQPublisher(report.RabbitMQConfig{
			URL:        cfg.RabbitMQURL(),
			Exchange:   pc.RabbitMQ.Exchange,
			RoutingKey: pc.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "初始化 RabbitMQ 发布器失败")
		}
		return publisher, nil, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的事件发布驱动: %s", pc.Driver))
	}
}

func openLease(ctx context.Context, cfg *config.Config) (*redis.Lease, error) {
	lc := cfg.Storage.Lease
	return redis.NewLease(ctx, redis.Config{
		Address:  lc.Address,
		Password: cfg.LeasePassword(),
		DB:       lc.DB,
		Prefix:   lc.Prefix,
	})
}

// buildDisposer 按已配置的合约构造卖出与质押实现，两者都缺失时返回 nil。
func buildDisposer(cfg *config.Config, gateway *ledger.Gateway, player common.Address, st *state.Context) (*supervisor.Disposer, error) {
	var (
		seller supervisor.Seller
		staker supervisor.Staker
	)
	jewel := common.HexToAddress(cfg.Contracts.Jewel)

	if cfg.Contracts.DEX != "" && len(cfg.Disposal.Pools) > 0 {
		pools := make([]market.Pool, 0, len(cfg.Disposal.Pools))
		for _, p := range cfg.Disposal.Pools {
			pools = append(pools, market.Pool{
				Name:     p.Name,
				Pair:     common.HexToAddress(p.Pair),
				Token:    common.HexToAddress(p.Token),
				Decimals: p.Decimals,
			})
		}
		dex, err := market.NewDEX(gateway, market.DEXConfig{
			Router:        common.HexToAddress(cfg.Contracts.DEX),
			Jewel:         jewel,
			Pools:         pools,
			PreferredPool: cfg.Disposal.PreferredPool,
			SlippageBps:   cfg.Disposal.SlippageBps,
			Deadline:      cfg.Disposal.Deadline.Duration,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化 DEX 失败")
		}
		seller = dex
	}
	if cfg.Contracts.Bank != "" {
		staker = market.NewBank(gateway, common.HexToAddress(cfg.Contracts.Bank))
	}
	if seller == nil && staker == nil {
		return nil, nil
	}
	return supervisor.NewDisposer(gateway, player, jewel, seller, staker, st, st), nil
}
