package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"QuestPilot-Chain/internal/config"
	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/market"
	"QuestPilot-Chain/internal/quest"
	"QuestPilot-Chain/internal/report"
	"QuestPilot-Chain/internal/state"
	"QuestPilot-Chain/internal/supervisor"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/internal/web3/ethereum"
	"QuestPilot-Chain/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// main 是任务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.L().Error("questd 运行失败", slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(exitCode(err))
	}
	_ = logger.Sync()
}

// exitCode 区分启动期致命错误（配置或凭据）与运行期错误。
func exitCode(err error) int {
	if xerrors.FatalError(err) {
		return 2
	}
	return 1
}

func run(ctx context.Context) error {
	configPath := os.Getenv("QUESTPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "questd.toml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	log := logger.Named("questd")

	questFile, err := config.LoadQuestFile(cfg.QuestsFile, cfg.Contracts.Jewel)
	if err != nil {
		return err
	}
	if err := cfg.CheckQuestContracts(questFile); err != nil {
		return err
	}
	types, err := buildTypeMap(cfg.QuestTypes)
	if err != nil {
		return err
	}

	rotation, err := web3.NewRotation(cfg.RPC.Endpoints)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "RPC 端点配置无效")
	}

	st := state.New(cfg.Disposal.AutoSell, cfg.Disposal.AutoStake)

	journal, closeJournal, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeJournal()

	publisher, events, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	gateway := ledger.NewGateway(
		ethereum.Dialer(dialerConfig(cfg)),
		rotation,
		contractSpecs(cfg.Contracts),
		signerLoader(cfg.Wallet),
		ledger.WithJournal(journal),
		ledger.WithCounters(st),
	)
	defer gateway.Close()

	if err := gateway.Connect(ctx, rotation.Current()); err != nil {
		return err
	}
	if err := gateway.ConnectWallet(ctx); err != nil {
		return err
	}
	player := gateway.Address()
	log.Info("守护进程已就绪",
		slog.String("player", player.Hex()),
		slog.String("endpoint", gateway.Endpoint()),
		slog.Int("quests", len(questFile.Quests)))

	if cfg.PrintGardenData {
		if _, err := market.DiscoverGardens(ctx, gateway, player, logger.Named("gardens")); err != nil {
			log.Warn("读取花园池数据失败", slog.Any("error", err))
		}
	}

	scheduler := quest.NewScheduler(gateway, player, questDefinitions(questFile), types,
		quest.WithCatalog(itemCatalog(questFile)),
		quest.WithRewardSink(st),
		quest.WithConcurrency(cfg.HeroFetchConcurrency),
		quest.WithSettleDelay(cfg.Polling.SettleDelay.Duration),
	)

	opts := []supervisor.Option{supervisor.WithPublisher(publisher)}
	disposer, err := buildDisposer(cfg, gateway, player, st)
	if err != nil {
		return err
	}
	if disposer != nil {
		opts = append(opts, supervisor.WithDisposer(disposer))
	}
	if cfg.Storage.Lease.Enabled {
		lease, err := openLease(ctx, cfg)
		if err != nil {
			return err
		}
		defer lease.Close()
		opts = append(opts, supervisor.WithLease(lease))
	}

	super := supervisor.New(supervisor.Config{
		Polling: supervisor.Polling{
			Quest:        cfg.Polling.Quest.Duration,
			InstantQuest: cfg.Polling.InstantQuest.Duration,
			Error:        cfg.Polling.Error.Duration,
		},
		FallbackOnError:      cfg.RPC.FallbackOnError,
		ErrorsBeforeFallback: cfg.RPC.NumberOfErrorBeforeFallBack,
		MaxSwitchBeforeDelay: cfg.RPC.MaximumSwitchBeforeAddingDelay,
		LeaseKey:             player.Hex(),
		LeaseTTL:             cfg.Storage.Lease.TTL.Duration,
	}, scheduler, gateway, st, opts...)

	server := report.NewServer(cfg.Report.Address, st, events, journal)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return super.Run(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("守护进程异常退出: %w", err)
	}
	log.Info("守护进程已退出")
	return nil
}
