package supervisor

import (
	"context"
	"log/slog"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/observability/metrics"
	"QuestPilot-Chain/internal/quest"
	"QuestPilot-Chain/internal/report"
	"QuestPilot-Chain/internal/state"
	"QuestPilot-Chain/pkg/logger"

	"github.com/google/uuid"
)

// QuestRunner 是单轮调度的四个步骤，由 quest.Scheduler 实现。
type QuestRunner interface {
	Fetch(ctx context.Context, silent bool) (quest.ServerQuests, error)
	CompleteAll(ctx context.Context, completed []ledger.QuestInstance) ([]quest.RewardRecord, error)
	PlanStarts(ctx context.Context) (quest.Plan, error)
	Dispatch(ctx context.Context, startable []quest.Startable) ([]quest.Launched, error)
}

// Fallbacker 切换 RPC 端点，由 ledger.Gateway 实现。
type Fallbacker interface {
	Fallback(ctx context.Context) error
}

// Lease 提供跨进程互斥。release 在本轮结束后调用。
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Config 描述监督循环的参数。
type Config struct {
	Polling              Polling
	FallbackOnError      bool
	ErrorsBeforeFallback int
	MaxSwitchBeforeDelay int
	LeaseKey             string
	LeaseTTL             time.Duration
}

// Supervisor 按固定顺序驱动每一轮调度并决定下一轮的时间。
type Supervisor struct {
	cfg       Config
	runner    QuestRunner
	gateway   Fallbacker
	state     *state.Context
	disposer  *Disposer
	lease     Lease
	publisher report.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Supervisor)

// WithDisposer 启用 Jewel 处理。
func WithDisposer(d *Disposer) Option {
	return func(s *Supervisor) {
		s.disposer = d
	}
}

// WithLease 启用跨进程互斥。
func WithLease(l Lease) Option {
	return func(s *Supervisor) {
		s.lease = l
	}
}

// WithPublisher 配置事件发布。
func WithPublisher(p report.Publisher) Option {
	return func(s *Supervisor) {
		s.publisher = p
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// New 构造 Supervisor。
func New(cfg Config, runner QuestRunner, gateway Fallbacker, st *state.Context, opts ...Option) *Supervisor {
	if cfg.ErrorsBeforeFallback <= 0 {
		cfg.ErrorsBeforeFallback = 1
	}
	s := &Supervisor{
		cfg:     cfg,
		runner:  runner,
		gateway: gateway,
		state:   st,
		now:     time.Now,
		logger:  logger.Named("supervisor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 以链式定时器循环执行，下一轮只会在上一轮返回后开始。
func (s *Supervisor) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度循环退出")
			return ctx.Err()
		case <-timer.C:
		}
		next := s.RunCycle(ctx)
		timer.Reset(next)
	}
}

// RunCycle 执行一轮调度并返回到下一轮的等待时长。错误不会向外传播。
func (s *Supervisor) RunCycle(ctx context.Context) time.Duration {
	start := s.now()
	log := logger.ForCycle(s.logger, uuid.NewString())

	if s.lease != nil {
		release, acquired, err := s.lease.Acquire(ctx, s.cfg.LeaseKey, s.cfg.LeaseTTL)
		if err != nil || !acquired {
			log.Warn("未取得调度租约，跳过本轮", slog.String("key", s.cfg.LeaseKey), slog.Any("error", err))
			next := s.cfg.Polling.Quest
			s.finish(start, "skipped", next)
			return next
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				log.Warn("释放调度租约失败", slog.Any("error", rerr))
			}
		}()
	}

	next, err := s.cycle(ctx, log)
	result := "ok"
	if err != nil {
		result = "error"
		next = s.handleFailure(ctx, log, err)
	}
	s.finish(start, result, next)
	log.Info("本轮调度结束", slog.String("result", result), slog.Duration("next_in", next))
	return next
}

func (s *Supervisor) finish(start time.Time, result string, next time.Duration) {
	now := s.now()
	metrics.ObserveCycle(result, now.Sub(start), next)
	s.state.SetNextRun(now.Add(next).UTC())
}

func (s *Supervisor) cycle(ctx context.Context, log *slog.Logger) (time.Duration, error) {
	current, err := s.runner.Fetch(ctx, false)
	if err != nil {
		return 0, err
	}

	records, err := s.runner.CompleteAll(ctx, current.Completed)
	for _, r := range records {
		s.publish(ctx, log, report.KindReward, r)
	}
	if err != nil {
		return 0, err
	}

	if s.disposer != nil {
		if swap, ok := s.disposer.Dispose(ctx, log, records); ok {
			s.publish(ctx, log, report.KindSwap, swap)
		}
	}

	plan, err := s.runner.PlanStarts(ctx)
	if err != nil {
		return 0, err
	}

	launched, err := s.runner.Dispatch(ctx, plan.Startable)
	for _, l := range launched {
		s.publish(ctx, log, report.KindLaunch, l)
	}
	if err != nil {
		return 0, err
	}

	fresh, err := s.runner.Fetch(ctx, true)
	if err != nil {
		return 0, err
	}

	now := s.now()
	next := NextDelay(now, launched, plan.SoonStartable, fresh.Running, s.cfg.Polling)
	snapshot := state.Snapshot{
		Running:       fresh.Running,
		Completed:     current.Completed,
		Launched:      launched,
		SoonStartable: plan.SoonStartable,
		NextRunAt:     now.Add(next).UTC(),
		UpdatedAt:     now.UTC(),
	}
	s.state.SetSnapshot(snapshot)
	s.publish(ctx, log, report.KindCycle, snapshot)
	return next, nil
}

// handleFailure 记录错误、按需切换端点并返回退避时长。
func (s *Supervisor) handleFailure(ctx context.Context, log *slog.Logger, err error) time.Duration {
	attrs := []any{slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err)}
	if coded, ok := xerrors.From(err); ok {
		if meta := coded.Metadata(); meta != nil {
			attrs = append(attrs, slog.Any("metadata", meta))
		}
	}
	log.Log(ctx, severityLevel(xerrors.SeverityOf(err)), "本轮调度失败", attrs...)

	if s.cfg.FallbackOnError && ledger.FallbackEligible(err) {
		count := s.state.AppendRPCError(err)
		if count >= s.cfg.ErrorsBeforeFallback && s.gateway != nil {
			ferr := s.gateway.Fallback(ctx)
			s.publish(ctx, log, report.KindFallback, map[string]any{
				"ok":       ferr == nil,
				"switches": s.state.SwitchCount(),
			})
		}
	}

	delay, reset := ErrorDelay(s.state.SwitchCount(), s.cfg.MaxSwitchBeforeDelay, s.cfg.Polling)
	if reset {
		log.Warn("端点切换次数过多，延长退避", slog.Duration("delay", delay))
		s.state.ResetSwitches()
	}
	return delay
}

// severityLevel 把错误严重程度映射为日志级别。
func severityLevel(sev xerrors.Severity) slog.Level {
	switch sev {
	case xerrors.SeverityInfo:
		return slog.LevelInfo
	case xerrors.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (s *Supervisor) publish(ctx context.Context, log *slog.Logger, kind string, payload any) {
	if s.publisher == nil {
		return
	}
	event, err := report.NewEvent(kind, payload)
	if err == nil {
		err = s.publisher.Publish(context.WithoutCancel(ctx), event)
	}
	if err != nil {
		log.Warn("发布事件失败", slog.String("kind", kind), slog.Any("error", err))
	}
}
