package quest

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"sync"
	"testing"
	"time"

	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	jewelMineAddr = common.HexToAddress("0x6FF019415Ee105aCF2Ac52483A33F5B43eaDB8d0")
	forageAddr    = common.HexToAddress("0x3132c76acF2217646fB8391918D28a16bD8A8Ef4")
	gardenAddr    = common.HexToAddress("0xe4154B6E5D240507F9699C730a496790A722DF19")
	jewelToken    = common.HexToAddress("0x72Cb10C6bfA5624dD07Ef608027E366bd690048F")
)

type txCall struct {
	method string
	args   []any
}

type fakeContract struct {
	mu       sync.Mutex
	calls    []txCall
	receipts []*web3.Receipt
	err      error
}

func (c *fakeContract) Address() common.Address { return common.HexToAddress("0x10") }

func (c *fakeContract) Call(context.Context, string, ...any) ([]any, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeContract) Transact(_ context.Context, method string, args ...any) (*web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, txCall{method: method, args: args})
	if c.err != nil {
		return nil, c.err
	}
	if len(c.receipts) > 0 {
		r := c.receipts[0]
		c.receipts = c.receipts[1:]
		return r, nil
	}
	return &web3.Receipt{Status: coretypes.ReceiptStatusSuccessful, TxHash: common.HexToHash("0x01")}, nil
}

type fakeLedger struct {
	quests    []ledger.QuestInstance
	heroes    map[uint64]ledger.HeroRecord
	contract  *fakeContract
	attempts  []int
	fetched   []uint64
	heroDelay time.Duration
	inFlight  int
	maxFlight int
	mu        sync.Mutex
}

func (l *fakeLedger) ActiveQuests(context.Context, common.Address) ([]ledger.QuestInstance, error) {
	return l.quests, nil
}

func (l *fakeLedger) Hero(_ context.Context, id uint64) (ledger.HeroRecord, error) {
	l.mu.Lock()
	l.fetched = append(l.fetched, id)
	l.inFlight++
	if l.inFlight > l.maxFlight {
		l.maxFlight = l.inFlight
	}
	rec, ok := l.heroes[id]
	l.mu.Unlock()

	time.Sleep(l.heroDelay)

	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
	if !ok {
		return ledger.HeroRecord{}, errors.New("unknown hero")
	}
	return rec, nil
}

func (l *fakeLedger) Contract(string) web3.Contract { return l.contract }

func (l *fakeLedger) Submit(ctx context.Context, _ string, maxAttempts int, action ledger.Action) (*web3.Receipt, error) {
	l.attempts = append(l.attempts, maxAttempts)
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		receipt, err := action(ctx)
		if err == nil && receipt.Succeeded() {
			return receipt, nil
		}
		if err == nil {
			err = errors.New("rejected")
		}
		lastErr = err
	}
	return nil, lastErr
}

type recordingSink struct {
	records []RewardRecord
}

func (s *recordingSink) AppendReward(r RewardRecord) { s.records = append(s.records, r) }

func testTypes(t *testing.T) *TypeMap {
	t.Helper()
	m, err := NewTypeMap(map[Type]common.Address{
		MiningJewel: jewelMineAddr,
		Foraging:    forageAddr,
		Gardening:   gardenAddr,
	})
	if err != nil {
		t.Fatalf("NewTypeMap: %v", err)
	}
	return m
}

func fixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestPartition(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	quests := []ledger.QuestInstance{
		{ID: 1, CompleteAt: now.Add(2 * time.Hour)},
		{ID: 2, CompleteAt: now.Add(-time.Minute)},
		{ID: 3, CompleteAt: now.Add(time.Hour)},
		{ID: 4},
		{ID: 5, CompleteAt: now},
	}

	got := Partition(quests, now)

	ids := func(list []ledger.QuestInstance) []uint64 {
		out := []uint64{}
		for _, q := range list {
			out = append(out, q.ID)
		}
		return out
	}
	if want := []uint64{5, 3, 1}; !reflect.DeepEqual(ids(got.Running), want) {
		t.Fatalf("running = %v, want %v", ids(got.Running), want)
	}
	if want := []uint64{2}; !reflect.DeepEqual(ids(got.Completed), want) {
		t.Fatalf("completed = %v, want %v", ids(got.Completed), want)
	}
	if want := []uint64{4}; !reflect.DeepEqual(ids(got.Active), want) {
		t.Fatalf("active = %v, want %v", ids(got.Active), want)
	}
	if total := len(got.Running) + len(got.Completed) + len(got.Active); total != len(quests) {
		t.Fatalf("partition lost quests: %d of %d", total, len(quests))
	}
}

func TestCompleteAllRecordsRewards(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	contract := &fakeContract{receipts: []*web3.Receipt{{
		Status: coretypes.ReceiptStatusSuccessful,
		TxHash: common.HexToHash("0xaa"),
		Events: []web3.Event{
			{Name: EventQuestXP, Args: map[string]any{"xpEarned": uint64(20)}},
			{Name: EventQuestXP, Args: map[string]any{"xpEarned": uint64(20)}},
			{Name: EventQuestSkillUp, Args: map[string]any{"skillUp": uint8(1)}},
			{Name: EventQuestReward, Args: map[string]any{
				"rewardItem":   jewelToken,
				"itemQuantity": new(big.Int).Mul(big.NewInt(25), big.NewInt(1e16)),
			}},
		},
	}}}
	fl := &fakeLedger{contract: contract}
	sink := &recordingSink{}
	catalog := NewCatalog([]CatalogItem{{Address: jewelToken, Name: "Jewel", Decimals: 18}})
	s := NewScheduler(fl, common.Address{}, nil, testTypes(t),
		WithLogger(logger.Discard()), WithClock(fixedClock(now)), WithSleeper(noSleep),
		WithCatalog(catalog), WithRewardSink(sink))

	records, err := s.CompleteAll(context.Background(), []ledger.QuestInstance{
		{ID: 9, Quest: jewelMineAddr, Heroes: []uint64{42, 43}},
	})
	if err != nil {
		t.Fatalf("CompleteAll: %v", err)
	}
	if len(records) != 1 || len(sink.records) != 1 {
		t.Fatalf("expected one record, got %d (sink %d)", len(records), len(sink.records))
	}
	r := records[0]
	if r.Type != MiningJewel || r.XP != 40 || r.SkillUp != 0.1 {
		t.Fatalf("unexpected record %+v", r)
	}
	if got := r.AmountOf(jewelToken); got != 0.25 {
		t.Fatalf("jewel amount = %v, want 0.25", got)
	}
	if len(contract.calls) != 1 || contract.calls[0].method != "completeQuest" {
		t.Fatalf("unexpected calls %+v", contract.calls)
	}
	if leader := contract.calls[0].args[0].(*big.Int); leader.Uint64() != 42 {
		t.Fatalf("leader = %s, want 42", leader)
	}
	if fl.attempts[0] != completeAttempts {
		t.Fatalf("attempts = %d, want %d", fl.attempts[0], completeAttempts)
	}
}

func TestCompleteAllKeepsEarlierRecordsOnFailure(t *testing.T) {
	contract := &fakeContract{receipts: []*web3.Receipt{
		{Status: coretypes.ReceiptStatusSuccessful},
		{Status: coretypes.ReceiptStatusFailed},
		{Status: coretypes.ReceiptStatusFailed},
	}}
	fl := &fakeLedger{contract: contract}
	sink := &recordingSink{}
	s := NewScheduler(fl, common.Address{}, nil, testTypes(t),
		WithLogger(logger.Discard()), WithSleeper(noSleep), WithRewardSink(sink))

	records, err := s.CompleteAll(context.Background(), []ledger.QuestInstance{
		{ID: 1, Quest: forageAddr, Heroes: []uint64{1}},
		{ID: 2, Quest: forageAddr, Heroes: []uint64{2}},
		{ID: 3, Quest: forageAddr, Heroes: []uint64{3}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(records) != 1 || len(sink.records) != 1 {
		t.Fatalf("expected one surviving record, got %d", len(records))
	}
	if len(contract.calls) != 3 {
		t.Fatalf("third quest must not be submitted, calls=%d", len(contract.calls))
	}
}

func TestCompleteAllWaitsSettleDelayBetweenFinalizes(t *testing.T) {
	fl := &fakeLedger{contract: &fakeContract{}}
	var slept []time.Duration
	recordSleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	s := NewScheduler(fl, common.Address{}, nil, testTypes(t),
		WithLogger(logger.Discard()), WithSleeper(recordSleep))

	_, err := s.CompleteAll(context.Background(), []ledger.QuestInstance{
		{ID: 1, Quest: forageAddr, Heroes: []uint64{1}},
		{ID: 2, Quest: forageAddr, Heroes: []uint64{2}},
		{ID: 3, Quest: forageAddr, Heroes: []uint64{3}},
	})
	if err != nil {
		t.Fatalf("CompleteAll: %v", err)
	}
	want := []time.Duration{300 * time.Millisecond, 300 * time.Millisecond}
	if !reflect.DeepEqual(slept, want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}

	slept = nil
	s = NewScheduler(fl, common.Address{}, nil, testTypes(t),
		WithLogger(logger.Discard()), WithSleeper(recordSleep), WithSettleDelay(time.Second))
	if _, err := s.CompleteAll(context.Background(), []ledger.QuestInstance{
		{ID: 4, Quest: forageAddr, Heroes: []uint64{4}},
		{ID: 5, Quest: forageAddr, Heroes: []uint64{5}},
	}); err != nil {
		t.Fatalf("CompleteAll: %v", err)
	}
	if !reflect.DeepEqual(slept, []time.Duration{time.Second}) {
		t.Fatalf("slept %v, want [1s]", slept)
	}
}

func TestCompleteAllStopsWhenSettleWaitCancelled(t *testing.T) {
	contract := &fakeContract{}
	fl := &fakeLedger{contract: contract}
	s := NewScheduler(fl, common.Address{}, nil, testTypes(t),
		WithLogger(logger.Discard()),
		WithSleeper(func(context.Context, time.Duration) error { return context.Canceled }))

	records, err := s.CompleteAll(context.Background(), []ledger.QuestInstance{
		{ID: 1, Quest: forageAddr, Heroes: []uint64{1}},
		{ID: 2, Quest: forageAddr, Heroes: []uint64{2}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(records) != 1 || len(contract.calls) != 1 {
		t.Fatalf("expected only the first quest settled, records=%d calls=%d", len(records), len(contract.calls))
	}
}

func TestHeroFetchIsSerializedByDefault(t *testing.T) {
	heroes := map[uint64]ledger.HeroRecord{}
	for id := uint64(1); id <= 4; id++ {
		heroes[id] = ledger.HeroRecord{ID: id, MaxStamina: 25}
	}
	defs := []Definition{{
		Name: "forage", Activated: true, Contract: forageAddr,
		Teams: []Team{{Name: "four", Heroes: []uint64{1, 2, 3, 4}, MinTeamSize: 4, MinStamina: 5}},
	}}

	fl := &fakeLedger{contract: &fakeContract{}, heroes: heroes, heroDelay: 10 * time.Millisecond}
	s := NewScheduler(fl, common.Address{}, defs, testTypes(t), WithLogger(logger.Discard()))
	if _, err := s.PlanStarts(context.Background()); err != nil {
		t.Fatalf("PlanStarts: %v", err)
	}
	if fl.maxFlight != 1 {
		t.Fatalf("max concurrent hero reads = %d, want 1", fl.maxFlight)
	}
	if !reflect.DeepEqual(fl.fetched, []uint64{1, 2, 3, 4}) {
		t.Fatalf("fetch order = %v", fl.fetched)
	}

	wide := &fakeLedger{contract: &fakeContract{}, heroes: heroes, heroDelay: 20 * time.Millisecond}
	s = NewScheduler(wide, common.Address{}, defs, testTypes(t), WithLogger(logger.Discard()), WithConcurrency(4))
	if _, err := s.PlanStarts(context.Background()); err != nil {
		t.Fatalf("PlanStarts: %v", err)
	}
	if wide.maxFlight < 2 {
		t.Fatalf("expected overlapping reads with concurrency 4, got %d", wide.maxFlight)
	}
}

func TestPlanStartsMiningJewelTeam(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fl := &fakeLedger{
		contract: &fakeContract{},
		heroes: map[uint64]ledger.HeroRecord{
			1: {ID: 1, MaxStamina: 25, Level: 1, XP: 100},
			2: {ID: 2, MaxStamina: 25, Level: 1, XP: 2000},
			3: {ID: 3, MaxStamina: 30, StaminaFullAt: now.Add(100 * time.Minute)},
		},
	}
	defs := []Definition{{
		Name: "jewel-mine", Activated: true, Contract: jewelMineAddr,
		Teams: []Team{{Name: "miners", Heroes: []uint64{1, 2, 3}, MinTeamSize: 3, MinStamina: 20}},
	}}
	s := NewScheduler(fl, common.Address{}, defs, testTypes(t),
		WithLogger(logger.Discard()), WithClock(fixedClock(now)))

	plan, err := s.PlanStarts(context.Background())
	if err != nil {
		t.Fatalf("PlanStarts: %v", err)
	}
	if len(plan.Startable) != 1 {
		t.Fatalf("expected one startable quest, got %+v", plan)
	}
	st := plan.Startable[0]
	if !reflect.DeepEqual(st.Heroes, []uint64{1, 2, 3}) || st.LowestStamina != 25 || st.Type != MiningJewel {
		t.Fatalf("unexpected startable %+v", st)
	}
	if len(plan.LevelUp) != 1 || plan.LevelUp[0].ID != 2 {
		t.Fatalf("expected hero 2 to be able to level up, got %+v", plan.LevelUp)
	}

	launched, err := s.Dispatch(context.Background(), plan.Startable)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(launched))
	}
	call := fl.contract.calls[0]
	if call.method != "startQuest" {
		t.Fatalf("method = %s", call.method)
	}
	heroes := call.args[0].([]*big.Int)
	if len(heroes) != 3 || heroes[0].Int64() != 1 || heroes[2].Int64() != 3 {
		t.Fatalf("heroes = %v", heroes)
	}
	if call.args[1].(common.Address) != jewelMineAddr {
		t.Fatalf("quest address = %v", call.args[1])
	}
	if call.args[2].(uint8) != 1 {
		t.Fatalf("attempts = %v, want 1", call.args[2])
	}
	if fl.attempts[0] != startAttempts {
		t.Fatalf("retries = %d, want %d", fl.attempts[0], startAttempts)
	}
}

func TestPlanStartsStaminaBlockedEstimate(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	// 最大体力 80，距回满 400 分钟，当前体力 60。
	fl := &fakeLedger{
		contract: &fakeContract{},
		heroes: map[uint64]ledger.HeroRecord{
			7: {ID: 7, MaxStamina: 80, StaminaFullAt: now.Add(400 * time.Minute)},
		},
	}
	defs := []Definition{{
		Name: "forage", Activated: true, Contract: forageAddr,
		Teams: []Team{{Name: "solo", Heroes: []uint64{7}, MinTeamSize: 1, MinStamina: 80}},
	}}
	s := NewScheduler(fl, common.Address{}, defs, testTypes(t),
		WithLogger(logger.Discard()), WithClock(fixedClock(now)))

	plan, err := s.PlanStarts(context.Background())
	if err != nil {
		t.Fatalf("PlanStarts: %v", err)
	}
	if len(plan.Startable) != 0 || len(plan.SoonStartable) != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	soon := plan.SoonStartable[0]
	if want := now.Add(400 * time.Minute); !soon.ReadyAt.Equal(want) {
		t.Fatalf("ready at %v, want %v", soon.ReadyAt, want)
	}
	if soon.StaminaBlocked[0].Stamina != 60 {
		t.Fatalf("stamina = %d, want 60", soon.StaminaBlocked[0].Stamina)
	}
}

func TestPlanStartsEstimatesZeroStaminaHero(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fl := &fakeLedger{
		contract: &fakeContract{},
		heroes: map[uint64]ledger.HeroRecord{
			8: {ID: 8, MaxStamina: 25, StaminaFullAt: now.Add(500 * time.Minute)},
		},
	}
	defs := []Definition{{
		Name: "forage", Activated: true, Contract: forageAddr,
		Teams: []Team{{Name: "b", Heroes: []uint64{8}, MinTeamSize: 1, MinStamina: 5}},
	}}
	s := NewScheduler(fl, common.Address{}, defs, testTypes(t),
		WithLogger(logger.Discard()), WithClock(fixedClock(now)))

	plan, err := s.PlanStarts(context.Background())
	if err != nil {
		t.Fatalf("PlanStarts: %v", err)
	}
	if len(plan.SoonStartable) != 1 {
		t.Fatalf("expected an estimate for the empty hero, got %+v", plan)
	}
	soon := plan.SoonStartable[0]
	if soon.StaminaBlocked[0].Stamina != 0 {
		t.Fatalf("stamina = %d, want 0", soon.StaminaBlocked[0].Stamina)
	}
	if want := now.Add(100 * time.Minute); !soon.ReadyAt.Equal(want) {
		t.Fatalf("ready at %v, want %v", soon.ReadyAt, want)
	}
}

func TestPlanStartsQuestingTeamHasNoEstimate(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fl := &fakeLedger{
		contract: &fakeContract{},
		heroes: map[uint64]ledger.HeroRecord{
			1: {ID: 1, MaxStamina: 25, StaminaFullAt: now.Add(time.Hour)},
			2: {ID: 2, MaxStamina: 25, CurrentQuest: forageAddr},
		},
	}
	defs := []Definition{
		{Name: "forage", Activated: true, Contract: forageAddr,
			Teams: []Team{{Name: "pair", Heroes: []uint64{1, 2}, MinTeamSize: 2, MinStamina: 25}}},
		{Name: "off", Activated: false, Contract: gardenAddr,
			Teams: []Team{{Name: "unused", Heroes: []uint64{99}, MinTeamSize: 1}}},
	}
	s := NewScheduler(fl, common.Address{}, defs, testTypes(t),
		WithLogger(logger.Discard()), WithClock(fixedClock(now)), WithConcurrency(4))

	plan, err := s.PlanStarts(context.Background())
	if err != nil {
		t.Fatalf("PlanStarts: %v", err)
	}
	if len(plan.Startable) != 0 || len(plan.SoonStartable) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	for _, id := range fl.fetched {
		if id == 99 {
			t.Fatal("heroes of deactivated quests must not be fetched")
		}
	}
}

func TestDispatchGardeningPayload(t *testing.T) {
	fl := &fakeLedger{contract: &fakeContract{}}
	s := NewScheduler(fl, common.Address{}, nil, testTypes(t), WithLogger(logger.Discard()))
	def := Definition{Name: "garden", Activated: true, Contract: gardenAddr}

	launched, err := s.Dispatch(context.Background(), []Startable{
		{Quest: def, Team: Team{Name: "no-garden"}, Type: Gardening, Heroes: []uint64{5}},
		{Quest: def, Team: Team{Name: "pool-2", GardenID: 2}, Type: Gardening, Heroes: []uint64{5, 6}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(launched) != 1 || len(fl.contract.calls) != 1 {
		t.Fatalf("expected only the team with a garden to launch, got %d", len(launched))
	}
	call := fl.contract.calls[0]
	if call.method != "startQuestWithData" {
		t.Fatalf("method = %s", call.method)
	}
	data := call.args[3].(questData)
	if data.Uint1.Int64() != 2 || data.Uint2.Sign() != 0 || data.Int2.Sign() != 0 {
		t.Fatalf("unexpected payload %+v", data)
	}
	if data.String1 != "" || data.Address4 != (common.Address{}) {
		t.Fatalf("unexpected payload %+v", data)
	}
	if fl.attempts[0] != 1 {
		t.Fatalf("gardening must be submitted once, got %d", fl.attempts[0])
	}
}

func TestDispatchForagingAttemptsFromStamina(t *testing.T) {
	fl := &fakeLedger{contract: &fakeContract{}}
	s := NewScheduler(fl, common.Address{}, nil, testTypes(t), WithLogger(logger.Discard()))
	def := Definition{Name: "forage", Activated: true, Contract: forageAddr}

	launched, err := s.Dispatch(context.Background(), []Startable{
		{Quest: def, Team: Team{Name: "tired"}, Type: Foraging, Heroes: []uint64{1}, LowestStamina: 4},
		{Quest: def, Team: Team{Name: "fresh"}, Type: Foraging, Heroes: []uint64{2}, LowestStamina: 23},
		{Quest: def, Team: Team{Name: "unknown"}, Type: None, Heroes: []uint64{3}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(launched) != 1 || launched[0].Team != "fresh" {
		t.Fatalf("unexpected launches %+v", launched)
	}
	if got := fl.contract.calls[0].args[2].(uint8); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestDispatchAbortsOnSubmitError(t *testing.T) {
	fl := &fakeLedger{contract: &fakeContract{err: errors.New("nonce too low")}}
	s := NewScheduler(fl, common.Address{}, nil, testTypes(t), WithLogger(logger.Discard()))
	def := Definition{Name: "mine", Activated: true, Contract: jewelMineAddr}

	_, err := s.Dispatch(context.Background(), []Startable{
		{Quest: def, Team: Team{Name: "a"}, Type: MiningJewel, Heroes: []uint64{1}},
		{Quest: def, Team: Team{Name: "b"}, Type: MiningJewel, Heroes: []uint64{2}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(fl.contract.calls) != startAttempts {
		t.Fatalf("second team must not be submitted, calls=%d", len(fl.contract.calls))
	}
}
