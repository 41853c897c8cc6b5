package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// QuestInstance 是链上一个进行中或待结算的任务。
type QuestInstance struct {
	ID         uint64         `json:"id"`
	Quest      common.Address `json:"quest"`
	Heroes     []uint64       `json:"heroes"`
	Player     common.Address `json:"player"`
	StartTime  time.Time      `json:"start_time"`
	CompleteAt time.Time      `json:"complete_at"`
	Attempts   uint8          `json:"attempts"`
	Status     uint8          `json:"status"`
}

// Leader 返回队伍首位英雄，结算时以其为参数。
func (q QuestInstance) Leader() uint64 {
	if len(q.Heroes) == 0 {
		return 0
	}
	return q.Heroes[0]
}

// HeroRecord 是 getHero 中调度器关心的字段。
type HeroRecord struct {
	ID            uint64         `json:"id"`
	Level         uint16         `json:"level"`
	XP            uint64         `json:"xp"`
	MaxStamina    int            `json:"max_stamina"`
	StaminaFullAt time.Time      `json:"stamina_full_at"`
	CurrentQuest  common.Address `json:"current_quest"`
}

// GardenPool 是花园合约中的一个流动性池。
type GardenPool struct {
	ID      uint64
	LPToken common.Address
}

// questTuple 与 getActiveQuests 返回的 tuple 布局逐字段对应。
type questTuple struct {
	Id             *big.Int
	Quest          common.Address
	Heroes         []*big.Int
	Player         common.Address
	StartTime      *big.Int
	StartBlock     *big.Int
	CompleteAtTime *big.Int
	Attempts       uint8
	Status         uint8
}

type heroSummoning struct {
	SummonedTime   *big.Int
	NextSummonTime *big.Int
	SummonerId     *big.Int
	AssistantId    *big.Int
	Summons        uint32
	MaxSummons     uint32
}

type heroInfo struct {
	StatGenes   *big.Int
	VisualGenes *big.Int
	Rarity      uint8
	Shiny       bool
	Generation  uint16
	FirstName   uint32
	LastName    uint32
	ShinyStyle  uint8
	Class       uint8
	SubClass    uint8
}

type heroState struct {
	StaminaFullAt *big.Int
	HpFullAt      *big.Int
	MpFullAt      *big.Int
	Level         uint16
	Xp            uint64
	CurrentQuest  common.Address
	Sp            uint8
	Status        uint8
}

type heroStats struct {
	Strength     uint16
	Intelligence uint16
	Wisdom       uint16
	Luck         uint16
	Agility      uint16
	Vitality     uint16
	Endurance    uint16
	Dexterity    uint16
	Hp           uint16
	Mp           uint16
	Stamina      uint16
}

// heroTuple 与 getHero 返回的 tuple 布局逐字段对应，字段顺序不可调整。
type heroTuple struct {
	Id            *big.Int
	SummoningInfo heroSummoning
	Info          heroInfo
	State         heroState
	Stats         heroStats
}

// convert 把 Call 的第 i 个返回值转换为 T，类型不符时返回错误而不是 panic。
func convert[T any](out []any, i int) (value T, err error) {
	if i >= len(out) {
		return value, fmt.Errorf("返回值数量不足: %d", len(out))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("无法解析第 %d 个返回值: %v", i, r)
		}
	}()
	return *abi.ConvertType(out[i], new(T)).(*T), nil
}

// unixTime 把链上秒级时间戳转换为 time.Time，零值保持为零时间。
func unixTime(secs *big.Int) time.Time {
	if secs == nil || secs.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(secs.Int64(), 0).UTC()
}

func (t questTuple) instance() QuestInstance {
	heroes := make([]uint64, 0, len(t.Heroes))
	for _, id := range t.Heroes {
		heroes = append(heroes, id.Uint64())
	}
	return QuestInstance{
		ID:         t.Id.Uint64(),
		Quest:      t.Quest,
		Heroes:     heroes,
		Player:     t.Player,
		StartTime:  unixTime(t.StartTime),
		CompleteAt: unixTime(t.CompleteAtTime),
		Attempts:   t.Attempts,
		Status:     t.Status,
	}
}

func (t heroTuple) record() HeroRecord {
	return HeroRecord{
		ID:            t.Id.Uint64(),
		Level:         t.State.Level,
		XP:            t.State.Xp,
		MaxStamina:    int(t.Stats.Stamina),
		StaminaFullAt: unixTime(t.State.StaminaFullAt),
		CurrentQuest:  t.State.CurrentQuest,
	}
}

// ActiveQuests 读取玩家所有未结算的任务实例。
func (g *Gateway) ActiveQuests(ctx context.Context, player common.Address) ([]QuestInstance, error) {
	out, err := g.Contract(ContractQuest).Call(ctx, "getActiveQuests", player)
	if err != nil {
		return nil, err
	}
	tuples, err := convert[[]questTuple](out, 0)
	if err != nil {
		return nil, fmt.Errorf("解析 getActiveQuests 失败: %w", err)
	}
	quests := make([]QuestInstance, 0, len(tuples))
	for _, t := range tuples {
		quests = append(quests, t.instance())
	}
	return quests, nil
}

// Hero 读取单个英雄的状态。
func (g *Gateway) Hero(ctx context.Context, id uint64) (HeroRecord, error) {
	out, err := g.Contract(ContractHero).Call(ctx, "getHero", new(big.Int).SetUint64(id))
	if err != nil {
		return HeroRecord{}, err
	}
	t, err := convert[heroTuple](out, 0)
	if err != nil {
		return HeroRecord{}, fmt.Errorf("解析英雄 %d 失败: %w", id, err)
	}
	return t.record(), nil
}

// BalanceOf 读取 ERC20 代币余额，token 为绑定名称。
func (g *Gateway) BalanceOf(ctx context.Context, token string, owner common.Address) (*big.Int, error) {
	out, err := g.Contract(token).Call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return convert[*big.Int](out, 0)
}

// Allowance 读取 owner 授权给 spender 的额度。
func (g *Gateway) Allowance(ctx context.Context, token string, owner, spender common.Address) (*big.Int, error) {
	out, err := g.Contract(token).Call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return convert[*big.Int](out, 0)
}

// PoolLength 返回花园池数量。
func (g *Gateway) PoolLength(ctx context.Context) (uint64, error) {
	out, err := g.Contract(ContractGardens).Call(ctx, "poolLength")
	if err != nil {
		return 0, err
	}
	n, err := convert[*big.Int](out, 0)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// PoolInfo 返回池的 LP 代币地址。
func (g *Gateway) PoolInfo(ctx context.Context, id uint64) (GardenPool, error) {
	out, err := g.Contract(ContractGardens).Call(ctx, "poolInfo", new(big.Int).SetUint64(id))
	if err != nil {
		return GardenPool{}, err
	}
	lp, err := convert[common.Address](out, 0)
	if err != nil {
		return GardenPool{}, err
	}
	return GardenPool{ID: id, LPToken: lp}, nil
}

// UserInfo 返回 owner 在池中的 LP 数量。
func (g *Gateway) UserInfo(ctx context.Context, id uint64, owner common.Address) (*big.Int, error) {
	out, err := g.Contract(ContractGardens).Call(ctx, "userInfo", new(big.Int).SetUint64(id), owner)
	if err != nil {
		return nil, err
	}
	return convert[*big.Int](out, 0)
}

// Reserves 读取交易对的储备量以及 token0 地址。
func (g *Gateway) Reserves(ctx context.Context, pair common.Address) (reserve0, reserve1 *big.Int, token0 common.Address, err error) {
	contract, err := g.At(pair, PairABI)
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	out, err := contract.Call(ctx, "getReserves")
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	if reserve0, err = convert[*big.Int](out, 0); err != nil {
		return nil, nil, common.Address{}, err
	}
	if reserve1, err = convert[*big.Int](out, 1); err != nil {
		return nil, nil, common.Address{}, err
	}

	tokenOut, err := contract.Call(ctx, "token0")
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	if token0, err = convert[common.Address](tokenOut, 0); err != nil {
		return nil, nil, common.Address{}, err
	}
	return reserve0, reserve1, token0, nil
}

// Quote 通过路由合约按储备比例报价。
func (g *Gateway) Quote(ctx context.Context, amount, reserveA, reserveB *big.Int) (*big.Int, error) {
	out, err := g.Contract(ContractDEX).Call(ctx, "quote", amount, reserveA, reserveB)
	if err != nil {
		return nil, err
	}
	return convert[*big.Int](out, 0)
}
