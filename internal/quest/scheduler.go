package quest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/observability/metrics"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// 结算与启动的提交次数上限。
const (
	completeAttempts = 2
	startAttempts    = 2
	gardenAttempts   = 1
)

// Ledger 定义了调度器所需的链上能力，由 ledger.Gateway 实现。
type Ledger interface {
	ActiveQuests(ctx context.Context, player common.Address) ([]ledger.QuestInstance, error)
	Hero(ctx context.Context, id uint64) (ledger.HeroRecord, error)
	Contract(name string) web3.Contract
	Submit(ctx context.Context, label string, maxAttempts int, action ledger.Action) (*web3.Receipt, error)
}

// RewardSink 接收结算产生的奖励记录。
type RewardSink interface {
	AppendReward(record RewardRecord)
}

// Scheduler 负责单轮任务调度的四个步骤，本身不持有跨轮状态。
type Scheduler struct {
	ledger      Ledger
	player      common.Address
	quests      []Definition
	types       *TypeMap
	catalog     ItemCatalog
	sink        RewardSink
	concurrency int
	settle      time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleeper 替换结算间隔的等待实现。
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithSettleDelay 设置两次结算提交之间的间隔。
func WithSettleDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.settle = d
		}
	}
}

// WithConcurrency 设置读取英雄状态的并发上限。
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithCatalog 配置奖励物品目录。
func WithCatalog(c ItemCatalog) Option {
	return func(s *Scheduler) {
		s.catalog = c
	}
}

// WithRewardSink 配置奖励记录的接收方。
func WithRewardSink(sink RewardSink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// NewScheduler 构造 Scheduler。
func NewScheduler(l Ledger, player common.Address, quests []Definition, types *TypeMap, opts ...Option) *Scheduler {
	s := &Scheduler{
		ledger:      l,
		player:      player,
		quests:      append([]Definition(nil), quests...),
		types:       types,
		concurrency: 1,
		settle:      300 * time.Millisecond,
		now:         time.Now,
		sleep:       sleepContext,
		logger:      logger.Named("quest"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Partition 把任务实例划分为进行中、已完成和其他。completeAt 不早于 now 的
// 计为进行中并按完成时间升序排列；没有完成时间的计为其他。
func Partition(quests []ledger.QuestInstance, now time.Time) ServerQuests {
	var out ServerQuests
	for _, q := range quests {
		switch {
		case q.CompleteAt.IsZero():
			out.Active = append(out.Active, q)
		case !q.CompleteAt.Before(now):
			out.Running = append(out.Running, q)
		default:
			out.Completed = append(out.Completed, q)
		}
	}
	sort.SliceStable(out.Running, func(i, j int) bool {
		return out.Running[i].CompleteAt.Before(out.Running[j].CompleteAt)
	})
	return out
}

// Fetch 读取并划分当前地址的全部链上任务。
func (s *Scheduler) Fetch(ctx context.Context, silent bool) (ServerQuests, error) {
	quests, err := s.ledger.ActiveQuests(ctx, s.player)
	if err != nil {
		return ServerQuests{}, fmt.Errorf("读取链上任务失败: %w", err)
	}
	result := Partition(quests, s.now())

	if !silent {
		s.logger.Info("链上任务状态",
			slog.Int("running", len(result.Running)),
			slog.Int("completed", len(result.Completed)),
			slog.Int("active", len(result.Active)))
		for _, q := range result.Running {
			s.logger.Info("任务进行中",
				slog.String("quest", s.questName(q.Quest)),
				slog.Uint64("quest_id", q.ID),
				slog.Time("complete_at", q.CompleteAt))
		}
	}
	return result, nil
}

// CompleteAll 依次结算已完成的任务。任一结算失败即返回错误，
// 之前成功结算的奖励记录保留并随错误一起返回。
func (s *Scheduler) CompleteAll(ctx context.Context, completed []ledger.QuestInstance) ([]RewardRecord, error) {
	contract := s.ledger.Contract(ledger.ContractQuest)
	records := make([]RewardRecord, 0, len(completed))

	for i, q := range completed {
		if i > 0 {
			if err := s.sleep(ctx, s.settle); err != nil {
				return records, err
			}
		}

		leader := new(big.Int).SetUint64(q.Leader())
		receipt, err := s.ledger.Submit(ctx, "completeQuest", completeAttempts, func(ctx context.Context) (*web3.Receipt, error) {
			return contract.Transact(ctx, "completeQuest", leader)
		})
		if err != nil {
			return records, fmt.Errorf("结算任务 %d 失败: %w", q.ID, err)
		}

		record := s.rewardRecord(q, receipt)
		records = append(records, record)
		if s.sink != nil {
			s.sink.AppendReward(record)
		}
	}
	return records, nil
}

func (s *Scheduler) rewardRecord(q ledger.QuestInstance, receipt *web3.Receipt) RewardRecord {
	typ := s.types.TypeOf(q.Quest)
	xp, skill, items := ParseRewards(receipt, s.catalog)
	record := RewardRecord{
		Quest:   s.questName(q.Quest),
		Type:    typ,
		XP:      xp,
		SkillUp: skill,
		Items:   items,
		TxHash:  receipt.TxHash.Hex(),
		At:      s.now().UTC(),
	}

	metrics.QuestsCompleted.WithLabelValues(typ.String()).Inc()
	metrics.RewardsTotal.WithLabelValues("xp").Add(float64(xp))
	metrics.RewardsTotal.WithLabelValues("skill_up").Add(skill)
	displays := make([]string, 0, len(items))
	for _, item := range items {
		metrics.RewardsTotal.WithLabelValues(item.Name).Add(item.Amount)
		displays = append(displays, item.Display)
	}

	s.logger.Info("任务已结算",
		slog.String("quest", record.Quest),
		slog.Uint64("quest_id", q.ID),
		slog.Uint64("xp", xp),
		slog.Float64("skill_up", skill),
		slog.Any("rewards", displays))
	logger.Audit().Info("quest_reward",
		slog.String("quest", record.Quest),
		slog.String("type", typ.String()),
		slog.String("tx_hash", record.TxHash),
		slog.Uint64("xp", xp),
		slog.Float64("skill_up", skill),
		slog.Any("rewards", displays))
	return record
}

func (s *Scheduler) questName(addr common.Address) string {
	for _, def := range s.quests {
		if def.Contract == addr {
			return def.Name
		}
	}
	if t := s.types.TypeOf(addr); t != None {
		return t.String()
	}
	return addr.Hex()
}

// PlanStarts 读取所有启用队伍的英雄状态并给出可启动与即将可启动的任务。
func (s *Scheduler) PlanStarts(ctx context.Context) (Plan, error) {
	ids := s.heroUnion()
	records, err := s.fetchHeroes(ctx, ids)
	if err != nil {
		return Plan{}, err
	}

	now := s.now()
	statuses := make(map[uint64]HeroStatus, len(records))
	for _, rec := range records {
		statuses[rec.ID] = Status(rec, now)
	}

	var plan Plan
	for _, def := range s.quests {
		if !def.Activated {
			continue
		}
		typ := s.types.TypeOf(def.Contract)
		for _, team := range def.Teams {
			s.planTeam(&plan, def, team, typ, statuses, now)
		}
	}

	for _, id := range ids {
		st := statuses[id]
		if CanLevelUp(st.Level, st.XP) {
			plan.LevelUp = append(plan.LevelUp, st)
			s.logger.Info("英雄可以升级", slog.Uint64("hero", id), slog.Int("level", int(st.Level)), slog.Uint64("xp", st.XP))
		}
	}
	return plan, nil
}

func (s *Scheduler) planTeam(plan *Plan, def Definition, team Team, typ Type, statuses map[uint64]HeroStatus, now time.Time) {
	var (
		ready    []uint64
		lowest   = math.MaxInt
		blocked  []HeroStatus
		questing []HeroStatus
	)
	for _, id := range team.Heroes {
		st := statuses[id]
		switch {
		case st.Questing:
			questing = append(questing, st)
		case st.Stamina >= team.MinStamina:
			ready = append(ready, id)
			if st.Stamina < lowest {
				lowest = st.Stamina
			}
		default:
			blocked = append(blocked, st)
		}
	}

	if len(ready) >= team.MinTeamSize && len(ready) > 0 {
		plan.Startable = append(plan.Startable, Startable{
			Quest:         def,
			Team:          team,
			Type:          typ,
			LowestStamina: lowest,
			Heroes:        ready,
		})
		return
	}

	sort.SliceStable(blocked, func(i, j int) bool { return blocked[i].Stamina < blocked[j].Stamina })
	if len(blocked) > 0 && len(questing) == 0 {
		readyAt := now.Add(readyAfter(team.MinStamina, blocked[0].Stamina))
		plan.SoonStartable = append(plan.SoonStartable, SoonStartable{
			Quest:          def,
			Team:           team,
			ReadyAt:        readyAt,
			StaminaBlocked: blocked,
		})
		s.logger.Info("队伍体力不足",
			slog.String("quest", def.Name),
			slog.String("team", team.Name),
			slog.Time("ready_at", readyAt))
		return
	}

	// 队伍中既有体力不足又有任务中的英雄时无法估算启动时间。
	s.logger.Info("队伍暂不可启动",
		slog.String("quest", def.Name),
		slog.String("team", team.Name),
		slog.Int("ready", len(ready)),
		slog.Int("stamina_blocked", len(blocked)),
		slog.Int("questing", len(questing)))
}

// heroUnion 按首次出现顺序去重所有启用队伍的英雄。
func (s *Scheduler) heroUnion() []uint64 {
	seen := make(map[uint64]struct{})
	var ids []uint64
	for _, def := range s.quests {
		if !def.Activated {
			continue
		}
		for _, team := range def.Teams {
			for _, id := range team.Heroes {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (s *Scheduler) fetchHeroes(ctx context.Context, ids []uint64) ([]ledger.HeroRecord, error) {
	records := make([]ledger.HeroRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var mu sync.Mutex
	for i, id := range ids {
		g.Go(func() error {
			rec, err := s.ledger.Hero(gctx, id)
			if err != nil {
				return fmt.Errorf("读取英雄 %d 失败: %w", id, err)
			}
			if rec.ID == 0 {
				rec.ID = id
			}
			mu.Lock()
			records[i] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// questData 对应 startQuestWithData 的附加参数元组。
type questData struct {
	Uint1    *big.Int
	Uint2    *big.Int
	Uint3    *big.Int
	Uint4    *big.Int
	Int1     *big.Int
	Int2     *big.Int
	String1  string
	String2  string
	Address1 common.Address
	Address2 common.Address
	Address3 common.Address
	Address4 common.Address
}

func gardenData(gardenID uint64) questData {
	return questData{
		Uint1: new(big.Int).SetUint64(gardenID),
		Uint2: new(big.Int),
		Uint3: new(big.Int),
		Uint4: new(big.Int),
		Int1:  new(big.Int),
		Int2:  new(big.Int),
	}
}

// Dispatch 按任务类型提交启动交易。提交失败立即返回错误，已启动的任务随错误一起返回。
func (s *Scheduler) Dispatch(ctx context.Context, startable []Startable) ([]Launched, error) {
	contract := s.ledger.Contract(ledger.ContractQuest)
	var launched []Launched

	for _, st := range startable {
		heroes := make([]*big.Int, len(st.Heroes))
		for i, id := range st.Heroes {
			heroes[i] = new(big.Int).SetUint64(id)
		}
		questAddr := st.Quest.Contract

		var (
			label    string
			attempts int
			action   ledger.Action
		)
		switch st.Type {
		case Gardening:
			if st.Team.GardenID == 0 {
				s.logger.Warn("园艺队伍未配置 garden_id，跳过", slog.String("quest", st.Quest.Name), slog.String("team", st.Team.Name))
				continue
			}
			data := gardenData(st.Team.GardenID)
			label, attempts = "startQuestWithData", gardenAttempts
			action = func(ctx context.Context) (*web3.Receipt, error) {
				return contract.Transact(ctx, "startQuestWithData", heroes, questAddr, uint8(1), data)
			}
		case MiningGold, MiningJewel:
			label, attempts = "startQuest", startAttempts
			action = func(ctx context.Context) (*web3.Receipt, error) {
				return contract.Transact(ctx, "startQuest", heroes, questAddr, uint8(1))
			}
		case Foraging, Fishing:
			n := st.LowestStamina / 5
			if n < 1 {
				s.logger.Warn("体力不足一次尝试，跳过", slog.String("quest", st.Quest.Name), slog.String("team", st.Team.Name), slog.Int("stamina", st.LowestStamina))
				continue
			}
			if n > math.MaxUint8 {
				n = math.MaxUint8
			}
			questAttempts := uint8(n)
			label, attempts = "startQuest", startAttempts
			action = func(ctx context.Context) (*web3.Receipt, error) {
				return contract.Transact(ctx, "startQuest", heroes, questAddr, questAttempts)
			}
		default:
			s.logger.Warn("未知任务类型，跳过", slog.String("quest", st.Quest.Name), slog.String("type", st.Type.String()))
			continue
		}

		receipt, err := s.ledger.Submit(ctx, label, attempts, action)
		if err != nil {
			return launched, fmt.Errorf("启动任务 %s(%s) 失败: %w", st.Quest.Name, st.Team.Name, err)
		}

		l := Launched{
			Quest:  st.Quest.Name,
			Team:   st.Team.Name,
			Type:   st.Type,
			Heroes: append([]uint64(nil), st.Heroes...),
			TxHash: receipt.TxHash.Hex(),
			At:     s.now().UTC(),
		}
		launched = append(launched, l)
		metrics.QuestsStarted.WithLabelValues(st.Type.String()).Inc()
		s.logger.Info("任务已启动", slog.String("quest", l.Quest), slog.String("team", l.Team), slog.Any("heroes", l.Heroes))
		logger.Audit().Info("quest_started", slog.String("quest", l.Quest), slog.String("type", l.Type.String()), slog.String("tx_hash", l.TxHash))
	}
	return launched, nil
}
