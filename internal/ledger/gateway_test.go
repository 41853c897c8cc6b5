package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/web3"
	"QuestPilot-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	mu       sync.Mutex
	failDial map[string]error
	results  map[string][]any
	calls    []string
	dials    []string
}

func newFakeChain() *fakeChain {
	return &fakeChain{failDial: map[string]error{}, results: map[string][]any{}}
}

func (c *fakeChain) dial(_ context.Context, endpoint string) (web3.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials = append(c.dials, endpoint)
	if err := c.failDial[endpoint]; err != nil {
		return nil, err
	}
	return &fakeSession{chain: c, endpoint: endpoint}, nil
}

type fakeSession struct {
	chain    *fakeChain
	endpoint string
	signer   *web3.Signer
	closed   bool
}

func (s *fakeSession) Endpoint() string { return s.endpoint }

func (s *fakeSession) Bind(address common.Address, _ string) (web3.Contract, error) {
	return &fakeContract{session: s, address: address}, nil
}

func (s *fakeSession) SetSigner(signer *web3.Signer) { s.signer = signer }

func (s *fakeSession) Close() { s.closed = true }

type fakeContract struct {
	session *fakeSession
	address common.Address
}

func (c *fakeContract) Address() common.Address { return c.address }

func (c *fakeContract) Call(_ context.Context, method string, _ ...any) ([]any, error) {
	if c.session.closed {
		return nil, errors.New("session closed")
	}
	c.session.chain.mu.Lock()
	defer c.session.chain.mu.Unlock()
	c.session.chain.calls = append(c.session.chain.calls, c.session.endpoint+":"+method)
	out, ok := c.session.chain.results[method]
	if !ok {
		return nil, fmt.Errorf("no result for %s", method)
	}
	return out, nil
}

func (c *fakeContract) Transact(context.Context, string, ...any) (*web3.Receipt, error) {
	return &web3.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

type fakeCounters struct {
	switches int
	cleared  int
}

func (c *fakeCounters) RecordSwitch() int { c.switches++; return c.switches }
func (c *fakeCounters) ClearRPCErrors()   { c.cleared++ }

func testSigner(t *testing.T) SignerLoader {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := &web3.Signer{Key: key, From: crypto.PubkeyToAddress(key.PublicKey)}
	return func(context.Context) (*web3.Signer, error) { return signer, nil }
}

func newTestGateway(t *testing.T, chain *fakeChain, endpoints []string, counters Counters) (*Gateway, *web3.Rotation, *MemoryJournal) {
	t.Helper()
	rotation, err := web3.NewRotation(endpoints)
	require.NoError(t, err)
	journal := NewMemoryJournal(16)
	specs := []ContractSpec{
		{Name: ContractQuest, Address: common.HexToAddress("0x10"), ABI: QuestCoreABI},
		{Name: ContractHero, Address: common.HexToAddress("0x11"), ABI: HeroABI},
	}
	g := NewGateway(chain.dial, rotation, specs, testSigner(t),
		WithLogger(logger.Discard()),
		WithJournal(journal),
		WithCounters(counters),
	)
	require.NoError(t, g.Connect(context.Background(), rotation.Current()))
	require.NoError(t, g.ConnectWallet(context.Background()))
	return g, rotation, journal
}

func TestSubmitStopsOnSuccess(t *testing.T) {
	g, _, journal := newTestGateway(t, newFakeChain(), []string{"https://a"}, nil)

	calls := 0
	receipt, err := g.Submit(context.Background(), "completeQuest", 2, func(context.Context) (*web3.Receipt, error) {
		calls++
		return &web3.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, 1, calls)
	entries, err := journal.ListLatest(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
}

func TestSubmitRetriesRejectedReceipts(t *testing.T) {
	g, _, journal := newTestGateway(t, newFakeChain(), []string{"https://a"}, nil)

	calls := 0
	_, err := g.Submit(context.Background(), "startQuest", 2, func(context.Context) (*web3.Receipt, error) {
		calls++
		return &web3.Receipt{Status: coretypes.ReceiptStatusFailed}, nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTransactionRejected))
	entries, err := journal.ListLatest(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, 2, entries[0].Attempt)

	calls = 0
	receipt, err := g.Submit(context.Background(), "startQuest", 3, func(context.Context) (*web3.Receipt, error) {
		calls++
		if calls == 1 {
			return &web3.Receipt{Status: coretypes.ReceiptStatusFailed}, nil
		}
		return &web3.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
	})
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, 2, calls)
}

func TestSubmitReturnsLastErrorUnchanged(t *testing.T) {
	g, _, _ := newTestGateway(t, newFakeChain(), []string{"https://a"}, nil)

	errs := []error{errors.New("first failure"), errors.New("second failure")}
	calls := 0
	_, err := g.Submit(context.Background(), "completeQuest", 2, func(context.Context) (*web3.Receipt, error) {
		e := errs[calls]
		calls++
		return nil, e
	})
	assert.Equal(t, 2, calls)
	assert.Same(t, errs[1], err)
}

func TestFallbackFailureKeepsState(t *testing.T) {
	chain := newFakeChain()
	chain.failDial["https://b"] = errors.New("dial tcp: connection refused")
	counters := &fakeCounters{}
	g, rotation, _ := newTestGateway(t, chain, []string{"https://a", "https://b", "https://c"}, counters)

	err := g.Fallback(context.Background())
	require.Error(t, err)
	assert.Equal(t, "https://a", rotation.Current())
	assert.Equal(t, "https://a", g.Endpoint())
	assert.Equal(t, 1, counters.switches)
	assert.Equal(t, 0, counters.cleared)

	delete(chain.failDial, "https://b")
	require.NoError(t, g.Fallback(context.Background()))
	assert.Equal(t, "https://b", rotation.Current())
	assert.Equal(t, "https://b", g.Endpoint())
	assert.Equal(t, 2, counters.switches)
	assert.Equal(t, 1, counters.cleared)
	assert.NotEqual(t, common.Address{}, g.Address())
}

func TestHandlesFollowFallback(t *testing.T) {
	chain := newFakeChain()
	chain.results["balanceOf"] = []any{big.NewInt(5)}
	g, _, _ := newTestGateway(t, chain, []string{"https://a", "https://b"}, nil)

	quest := g.Contract(ContractQuest)
	_, err := quest.Call(context.Background(), "balanceOf", common.Address{})
	require.NoError(t, err)

	require.NoError(t, g.Fallback(context.Background()))
	_, err = quest.Call(context.Background(), "balanceOf", common.Address{})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a:balanceOf", "https://b:balanceOf"}, chain.calls)
}

// packedOutputs 按方法的输出布局编码再解码，得到与真实链上调用相同形态的返回值。
func packedOutputs(t *testing.T, abiJSON, method string, values ...any) []any {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	require.NoError(t, err)
	outputs := parsed.Methods[method].Outputs
	data, err := outputs.Pack(values...)
	require.NoError(t, err)
	out, err := outputs.Unpack(data)
	require.NoError(t, err)
	return out
}

func TestActiveQuestsDecodesTuples(t *testing.T) {
	completeAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	chain := newFakeChain()
	chain.results["getActiveQuests"] = packedOutputs(t, QuestCoreABI, "getActiveQuests", []questTuple{{
		Id:             big.NewInt(77),
		Quest:          common.HexToAddress("0xabc"),
		Heroes:         []*big.Int{big.NewInt(3), big.NewInt(1)},
		Player:         common.HexToAddress("0xdef"),
		StartTime:      big.NewInt(completeAt.Add(-time.Hour).Unix()),
		StartBlock:     big.NewInt(1),
		CompleteAtTime: big.NewInt(completeAt.Unix()),
		Attempts:       5,
		Status:         1,
	}})
	g, _, _ := newTestGateway(t, chain, []string{"https://a"}, nil)

	quests, err := g.ActiveQuests(context.Background(), common.HexToAddress("0xdef"))
	require.NoError(t, err)
	require.Len(t, quests, 1)
	q := quests[0]
	assert.Equal(t, uint64(77), q.ID)
	assert.Equal(t, common.HexToAddress("0xabc"), q.Quest)
	assert.Equal(t, []uint64{3, 1}, q.Heroes)
	assert.Equal(t, uint64(3), q.Leader())
	assert.True(t, q.CompleteAt.Equal(completeAt))
	assert.True(t, q.StartTime.Equal(completeAt.Add(-time.Hour)))
	assert.Equal(t, uint8(5), q.Attempts)
	assert.Equal(t, uint8(1), q.Status)
}

func TestHeroDecodesNestedTuple(t *testing.T) {
	fullAt := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	zero := big.NewInt(0)
	chain := newFakeChain()
	chain.results["getHero"] = packedOutputs(t, HeroABI, "getHero", heroTuple{
		Id: big.NewInt(1001),
		SummoningInfo: heroSummoning{
			SummonedTime: zero, NextSummonTime: zero, SummonerId: zero, AssistantId: zero,
		},
		Info: heroInfo{StatGenes: zero, VisualGenes: zero, Class: 2},
		State: heroState{
			StaminaFullAt: big.NewInt(fullAt.Unix()), HpFullAt: zero, MpFullAt: zero,
			Level: 4, Xp: 4800, CurrentQuest: common.HexToAddress("0xabc"),
		},
		Stats: heroStats{Stamina: 27, Hp: 150},
	})
	g, _, _ := newTestGateway(t, chain, []string{"https://a"}, nil)

	rec, err := g.Hero(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), rec.ID)
	assert.Equal(t, 27, rec.MaxStamina)
	assert.Equal(t, uint16(4), rec.Level)
	assert.Equal(t, uint64(4800), rec.XP)
	assert.True(t, rec.StaminaFullAt.Equal(fullAt))
	assert.Equal(t, common.HexToAddress("0xabc"), rec.CurrentQuest)
}

func TestHeroRejectsUnexpectedLayout(t *testing.T) {
	chain := newFakeChain()
	chain.results["getHero"] = []any{big.NewInt(1)}
	g, _, _ := newTestGateway(t, chain, []string{"https://a"}, nil)

	_, err := g.Hero(context.Background(), 1)
	require.Error(t, err)

	chain.results["getHero"] = []any{}
	_, err = g.Hero(context.Background(), 1)
	require.Error(t, err)
}

func TestUnixTimeKeepsZero(t *testing.T) {
	assert.True(t, unixTime(nil).IsZero())
	assert.True(t, unixTime(big.NewInt(0)).IsZero())
	assert.Equal(t, int64(1700000000), unixTime(big.NewInt(1700000000)).Unix())
}

func TestConnectWalletFailureIsCredentialError(t *testing.T) {
	rotation, err := web3.NewRotation([]string{"https://a"})
	require.NoError(t, err)
	g := NewGateway(newFakeChain().dial, rotation, nil, func(context.Context) (*web3.Signer, error) {
		return nil, errors.New("bad password")
	}, WithLogger(logger.Discard()))

	err = g.ConnectWallet(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCredential))
	assert.True(t, xerrors.FatalError(err))
}
