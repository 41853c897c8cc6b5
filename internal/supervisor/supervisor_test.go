package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/internal/market"
	"QuestPilot-Chain/internal/quest"
	"QuestPilot-Chain/internal/report"
	"QuestPilot-Chain/internal/state"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jewelToken = common.HexToAddress("0x72Cb10C6bfA5624dD07Ef608027E366bd690048F")
	player     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testNow    = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	polling    = Polling{Quest: 5 * time.Minute, InstantQuest: 30 * time.Second, Error: time.Minute}
)

type fakeRunner struct {
	steps      []string
	fetchErr   error
	fetches    []quest.ServerQuests
	records    []quest.RewardRecord
	complete   error
	plan       quest.Plan
	launched   []quest.Launched
	dispatch   error
	dispatched [][]quest.Startable
}

func (r *fakeRunner) Fetch(_ context.Context, silent bool) (quest.ServerQuests, error) {
	if silent {
		r.steps = append(r.steps, "fetch-silent")
	} else {
		r.steps = append(r.steps, "fetch")
	}
	if r.fetchErr != nil {
		return quest.ServerQuests{}, r.fetchErr
	}
	if len(r.fetches) == 0 {
		return quest.ServerQuests{}, nil
	}
	out := r.fetches[0]
	r.fetches = r.fetches[1:]
	return out, nil
}

func (r *fakeRunner) CompleteAll(context.Context, []ledger.QuestInstance) ([]quest.RewardRecord, error) {
	r.steps = append(r.steps, "complete")
	return r.records, r.complete
}

func (r *fakeRunner) PlanStarts(context.Context) (quest.Plan, error) {
	r.steps = append(r.steps, "plan")
	return r.plan, nil
}

func (r *fakeRunner) Dispatch(_ context.Context, startable []quest.Startable) ([]quest.Launched, error) {
	r.steps = append(r.steps, "dispatch")
	r.dispatched = append(r.dispatched, startable)
	return r.launched, r.dispatch
}

type fakeGateway struct {
	state *state.Context
	calls int
	err   error
}

func (g *fakeGateway) Fallback(context.Context) error {
	g.calls++
	g.state.RecordSwitch()
	if g.err != nil {
		return g.err
	}
	g.state.ClearRPCErrors()
	return nil
}

func newSupervisor(runner QuestRunner, gw *fakeGateway, st *state.Context, cfg Config, opts ...Option) *Supervisor {
	if cfg.Polling == (Polling{}) {
		cfg.Polling = polling
	}
	opts = append(opts, WithLogger(logger.Discard()), WithClock(func() time.Time { return testNow }))
	return New(cfg, runner, gw, st, opts...)
}

func TestCycleRunsStepsInOrder(t *testing.T) {
	st := state.New(false, false)
	events := report.NewMemoryPublisher(16)
	runner := &fakeRunner{
		fetches: []quest.ServerQuests{
			{Completed: []ledger.QuestInstance{{ID: 1}}},
			{Running: []ledger.QuestInstance{{ID: 2, CompleteAt: testNow.Add(10 * time.Minute)}}},
		},
		records: []quest.RewardRecord{{Type: quest.MiningGold, XP: 10}},
	}
	s := newSupervisor(runner, &fakeGateway{state: st}, st, Config{}, WithPublisher(events))

	next := s.RunCycle(context.Background())

	assert.Equal(t, []string{"fetch", "complete", "plan", "dispatch", "fetch-silent"}, runner.steps)
	assert.Equal(t, 11*time.Minute, next)
	snap := st.Snapshot()
	require.Len(t, snap.Running, 1)
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, testNow.Add(11*time.Minute), snap.NextRunAt)

	kinds := []string{}
	for _, ev := range events.Recent(0) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{report.KindReward, report.KindCycle}, kinds)
}

func TestCycleErrorAbortsAndTriggersFallback(t *testing.T) {
	st := state.New(false, false)
	gw := &fakeGateway{state: st}
	runner := &fakeRunner{dispatch: xerrors.New(xerrors.CodeTransactionRejected, "startQuest rejected")}
	s := newSupervisor(runner, gw, st, Config{FallbackOnError: true, ErrorsBeforeFallback: 2, MaxSwitchBeforeDelay: 3})

	next := s.RunCycle(context.Background())
	assert.Equal(t, time.Minute, next)
	assert.NotContains(t, runner.steps, "fetch-silent")
	assert.Equal(t, 1, st.RPCErrorCount())
	assert.Zero(t, gw.calls)

	next = s.RunCycle(context.Background())
	assert.Equal(t, time.Minute, next)
	assert.Equal(t, 1, gw.calls)
	assert.Zero(t, st.RPCErrorCount())
}

func TestIneligibleErrorsDoNotCountTowardFallback(t *testing.T) {
	st := state.New(false, false)
	gw := &fakeGateway{state: st}
	runner := &fakeRunner{fetchErr: errors.New("quest file mismatch")}
	s := newSupervisor(runner, gw, st, Config{FallbackOnError: true, ErrorsBeforeFallback: 1})

	s.RunCycle(context.Background())
	assert.Zero(t, st.RPCErrorCount())
	assert.Zero(t, gw.calls)
}

func TestFailureLogLevelFollowsSeverity(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{xerrors.New(xerrors.CodeTransientLedger, "header not found", xerrors.WithMetadata("endpoint", "https://a")), "level=WARN"},
		{xerrors.New(xerrors.CodeLeaseHeld, ""), "level=INFO"},
		{errors.New("quest file mismatch"), "level=ERROR"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		st := state.New(false, false)
		s := New(Config{Polling: polling}, &fakeRunner{fetchErr: tc.err}, &fakeGateway{state: st}, st,
			WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))),
			WithClock(func() time.Time { return testNow }))

		s.RunCycle(context.Background())
		line := failureLine(buf.String())
		assert.Contains(t, line, tc.want, "error %v", tc.err)
		assert.Contains(t, line, "code="+string(xerrors.CodeOf(tc.err)))
	}
}

func failureLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "本轮调度失败") {
			return line
		}
	}
	return ""
}

func TestFallbackDisabledKeepsErrorListEmpty(t *testing.T) {
	st := state.New(false, false)
	gw := &fakeGateway{state: st}
	runner := &fakeRunner{fetchErr: xerrors.New(xerrors.CodeTransientLedger, "header not found")}
	s := newSupervisor(runner, gw, st, Config{ErrorsBeforeFallback: 1})

	s.RunCycle(context.Background())
	assert.Zero(t, st.RPCErrorCount())
	assert.Zero(t, gw.calls)
}

func TestRepeatedSwitchesExtendBackoff(t *testing.T) {
	st := state.New(false, false)
	gw := &fakeGateway{state: st, err: errors.New("dial failed")}
	runner := &fakeRunner{fetchErr: xerrors.New(xerrors.CodeTransientLedger, "header not found")}
	s := newSupervisor(runner, gw, st, Config{FallbackOnError: true, ErrorsBeforeFallback: 1, MaxSwitchBeforeDelay: 2})

	assert.Equal(t, time.Minute, s.RunCycle(context.Background()))
	assert.Equal(t, 10*time.Minute, s.RunCycle(context.Background()))
	assert.Zero(t, st.SwitchCount())
	assert.Equal(t, 2, st.RPCErrorCount(), "failed fallback keeps the error list")
}

type fakeLease struct {
	acquired bool
	released int
}

func (l *fakeLease) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { l.released++; return nil }, l.acquired, nil
}

func TestLeaseHeldSkipsCycle(t *testing.T) {
	st := state.New(false, false)
	runner := &fakeRunner{}
	lease := &fakeLease{}
	s := newSupervisor(runner, &fakeGateway{state: st}, st, Config{LeaseKey: "k"}, WithLease(lease))

	assert.Equal(t, polling.Quest, s.RunCycle(context.Background()))
	assert.Empty(t, runner.steps)

	lease.acquired = true
	s.RunCycle(context.Background())
	assert.NotEmpty(t, runner.steps)
	assert.Equal(t, 1, lease.released)
}

type fakeBalances struct{ balance *big.Int }

func (b fakeBalances) BalanceOf(context.Context, string, common.Address) (*big.Int, error) {
	return b.balance, nil
}

type fakeSeller struct{ amounts []float64 }

func (s *fakeSeller) Sell(_ context.Context, amount float64, kind string) (market.SwapRecord, error) {
	s.amounts = append(s.amounts, amount)
	return market.SwapRecord{JewelSold: amount, Kind: kind}, nil
}

type fakeStaker struct{ amounts []float64 }

func (s *fakeStaker) Stake(_ context.Context, amount float64) (market.SwapRecord, error) {
	s.amounts = append(s.amounts, amount)
	return market.SwapRecord{JewelSold: amount, Kind: market.KindStake}, nil
}

func jewelRecord(typ quest.Type, amount float64) quest.RewardRecord {
	return quest.RewardRecord{Type: typ, Items: []quest.RewardItem{{Name: "Jewel", Address: jewelToken, Amount: amount}}}
}

func TestDisposeSellsOnlyMiningJewelRewards(t *testing.T) {
	st := state.New(true, false)
	seller := &fakeSeller{}
	d := NewDisposer(fakeBalances{market.ToWei(5, 18)}, player, jewelToken, seller, &fakeStaker{}, st, st)

	records := []quest.RewardRecord{
		jewelRecord(quest.MiningJewel, 0.1234),
		jewelRecord(quest.Foraging, 3),
		jewelRecord(quest.MiningJewel, 0.2),
	}
	swap, ok := d.Dispose(context.Background(), logger.Discard(), records)
	require.True(t, ok)
	assert.Equal(t, []float64{0.323}, seller.amounts)
	assert.Equal(t, market.KindAuto, swap.Kind)
	assert.Len(t, st.Swaps(), 1)
}

func TestDisposeRequiresExactlyOneMode(t *testing.T) {
	records := []quest.RewardRecord{jewelRecord(quest.MiningJewel, 1)}
	for _, tc := range []struct {
		name        string
		sell, stake bool
	}{
		{name: "neither", sell: false, stake: false},
		{name: "both", sell: true, stake: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := state.New(tc.sell, tc.stake)
			seller, staker := &fakeSeller{}, &fakeStaker{}
			d := NewDisposer(fakeBalances{market.ToWei(5, 18)}, player, jewelToken, seller, staker, st, st)
			_, ok := d.Dispose(context.Background(), logger.Discard(), records)
			assert.False(t, ok)
			assert.Empty(t, seller.amounts)
			assert.Empty(t, staker.amounts)
		})
	}
}

func TestDisposeStakesWhenBalanceSuffices(t *testing.T) {
	st := state.New(false, true)
	staker := &fakeStaker{}
	d := NewDisposer(fakeBalances{market.ToWei(0.5, 18)}, player, jewelToken, nil, staker, st, st)

	_, ok := d.Dispose(context.Background(), logger.Discard(), []quest.RewardRecord{jewelRecord(quest.MiningJewel, 1)})
	assert.False(t, ok, "amount above balance must be skipped")

	_, ok = d.Dispose(context.Background(), logger.Discard(), []quest.RewardRecord{jewelRecord(quest.MiningJewel, 0.5)})
	assert.True(t, ok)
	assert.Equal(t, []float64{0.5}, staker.amounts)
}

func TestCycleDisposesBeforePlanning(t *testing.T) {
	st := state.New(true, false)
	seller := &fakeSeller{}
	d := NewDisposer(fakeBalances{market.ToWei(5, 18)}, player, jewelToken, seller, nil, st, st)
	runner := &fakeRunner{records: []quest.RewardRecord{jewelRecord(quest.MiningJewel, 1)}}
	s := newSupervisor(runner, &fakeGateway{state: st}, st, Config{}, WithDisposer(d))

	s.RunCycle(context.Background())
	assert.Equal(t, []float64{1}, seller.amounts)
	assert.Len(t, st.Swaps(), 1)
}
