package quest

import (
	"fmt"
	"strings"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// Type 是任务种类，由任务合约地址唯一确定。
type Type int

const (
	None Type = iota
	Foraging
	Fishing
	MiningJewel
	MiningGold
	Gardening
)

var typeNames = map[Type]string{
	None:        "None",
	Foraging:    "Foraging",
	Fishing:     "Fishing",
	MiningJewel: "MiningJewel",
	MiningGold:  "MiningGold",
	Gardening:   "Gardening",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText 让任务类型在 JSON 中以名称输出。
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText 解析 MarshalText 的输出。
func (t *Type) UnmarshalText(text []byte) error {
	if strings.EqualFold(string(text), typeNames[None]) {
		*t = None
		return nil
	}
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType 按名称解析任务类型，大小写不敏感。
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if t != None && strings.EqualFold(n, strings.TrimSpace(name)) {
			return t, nil
		}
	}
	return None, fmt.Errorf("未知的任务类型: %s", name)
}

// Instant 表示启动后几乎立即可结算的任务，下一轮使用较短的轮询间隔。
func (t Type) Instant() bool {
	return t == Foraging || t == Fishing
}

// TypeMap 是任务类型与合约地址之间的双向映射。
type TypeMap struct {
	byAddress map[common.Address]Type
	byType    map[Type]common.Address
}

// NewTypeMap 校验映射为单射，零地址和 None 不允许出现。
func NewTypeMap(entries map[Type]common.Address) (*TypeMap, error) {
	m := &TypeMap{
		byAddress: make(map[common.Address]Type, len(entries)),
		byType:    make(map[Type]common.Address, len(entries)),
	}
	for t, addr := range entries {
		if t == None {
			return nil, xerrors.New(xerrors.CodeConfiguration, "None 不能映射到合约地址")
		}
		if addr == (common.Address{}) {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("任务类型 %s 映射到零地址", t))
		}
		if other, dup := m.byAddress[addr]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("任务类型 %s 与 %s 映射到同一合约 %s", t, other, addr.Hex()))
		}
		m.byAddress[addr] = t
		m.byType[t] = addr
	}
	return m, nil
}

// TypeOf 返回地址对应的任务类型，零地址或未登记地址返回 None。
func (m *TypeMap) TypeOf(addr common.Address) Type {
	if m == nil || addr == (common.Address{}) {
		return None
	}
	return m.byAddress[addr]
}

// AddressOf 返回任务类型对应的合约地址。
func (m *TypeMap) AddressOf(t Type) (common.Address, bool) {
	if m == nil {
		return common.Address{}, false
	}
	addr, ok := m.byType[t]
	return addr, ok
}

// Team 是配置中按顺序排列的英雄队伍，运行期不可变。
type Team struct {
	Name        string   `json:"name"`
	Heroes      []uint64 `json:"heroes"`
	MinTeamSize int      `json:"min_team_size"`
	MinStamina  int      `json:"min_stamina"`
	GardenID    uint64   `json:"garden_id,omitempty"`
}

// Definition 描述一个任务合约及其队伍。
type Definition struct {
	Name      string         `json:"name"`
	Activated bool           `json:"activated"`
	Contract  common.Address `json:"contract"`
	Teams     []Team         `json:"teams"`
}

// ServerQuests 是链上任务实例的划分：三者两两不相交，并集等于读取结果。
type ServerQuests struct {
	Running   []ledger.QuestInstance `json:"running"`
	Completed []ledger.QuestInstance `json:"completed"`
	Active    []ledger.QuestInstance `json:"active"`
}

// HeroStatus 是一次读取后附带推导字段的英雄状态。
type HeroStatus struct {
	ledger.HeroRecord
	Stamina  int  `json:"stamina"`
	Questing bool `json:"questing"`
}

// Startable 表示本轮可以立即启动的任务。
type Startable struct {
	Quest         Definition `json:"quest"`
	Team          Team       `json:"team"`
	Type          Type       `json:"type"`
	LowestStamina int        `json:"lowest_stamina"`
	Heroes        []uint64   `json:"heroes"`
}

// SoonStartable 表示只因体力不足而暂不能启动的任务。
type SoonStartable struct {
	Quest          Definition   `json:"quest"`
	Team           Team         `json:"team"`
	ReadyAt        time.Time    `json:"ready_at"`
	StaminaBlocked []HeroStatus `json:"stamina_blocked"`
	Questing       []HeroStatus `json:"questing"`
}

// Plan 是 PlanStarts 的结果。
type Plan struct {
	Startable     []Startable     `json:"startable"`
	SoonStartable []SoonStartable `json:"soon_startable"`
	LevelUp       []HeroStatus    `json:"level_up"`
}

// Launched 是一次成功提交的任务启动。
type Launched struct {
	Quest  string    `json:"quest"`
	Team   string    `json:"team"`
	Type   Type      `json:"type"`
	Heroes []uint64  `json:"heroes"`
	TxHash string    `json:"tx_hash"`
	At     time.Time `json:"at"`
}
