package quest

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"QuestPilot-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// 奖励事件名称。
const (
	EventQuestXP      = "QuestXP"
	EventQuestSkillUp = "QuestSkillUp"
	EventQuestReward  = "QuestReward"
)

// nothingItem 是合约用来表示"无奖励"的物品名称。
const nothingItem = "Nothing"

// RewardItem 是一次结算中获得的某种物品。
type RewardItem struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
	Amount  float64        `json:"amount"`
	Display string         `json:"display"`
}

// RewardRecord 是一次任务结算的奖励明细，只追加不修改。
type RewardRecord struct {
	Quest   string       `json:"quest"`
	Type    Type         `json:"type"`
	XP      uint64       `json:"xp"`
	SkillUp float64      `json:"skill_up"`
	Items   []RewardItem `json:"items"`
	TxHash  string       `json:"tx_hash"`
	At      time.Time    `json:"at"`
}

// AmountOf 汇总指定代币地址的奖励数量。
func (r RewardRecord) AmountOf(token common.Address) float64 {
	total := 0.0
	for _, item := range r.Items {
		if item.Address == token {
			total += item.Amount
		}
	}
	return total
}

// CatalogItem 描述物品目录中的一项。
type CatalogItem struct {
	Address  common.Address
	Name     string
	Decimals int
}

// ItemCatalog 根据地址查询物品名称与精度。
type ItemCatalog interface {
	Lookup(addr common.Address) (CatalogItem, bool)
}

// StaticCatalog 是基于配置的只读物品目录。
type StaticCatalog map[common.Address]CatalogItem

// NewCatalog 构建物品目录。
func NewCatalog(items []CatalogItem) StaticCatalog {
	c := make(StaticCatalog, len(items))
	for _, item := range items {
		c[item.Address] = item
	}
	return c
}

// Lookup 实现 ItemCatalog。
func (c StaticCatalog) Lookup(addr common.Address) (CatalogItem, bool) {
	item, ok := c[addr]
	return item, ok
}

// ParseRewards 从结算回执的事件中汇总经验、技能提升和物品奖励。
// 同一物品的多次奖励合并为一项，顺序按首次出现。
func ParseRewards(receipt *web3.Receipt, catalog ItemCatalog) (xp uint64, skillUp float64, items []RewardItem) {
	for _, ev := range receipt.EventsNamed(EventQuestXP) {
		xp += toUint64(ev.Args["xpEarned"])
	}

	var skillSum uint64
	for _, ev := range receipt.EventsNamed(EventQuestSkillUp) {
		skillSum += toUint64(ev.Args["skillUp"])
	}
	skillUp = float64(skillSum) / 10

	index := map[common.Address]int{}
	for _, ev := range receipt.EventsNamed(EventQuestReward) {
		addr, _ := ev.Args["rewardItem"].(common.Address)
		quantity := toBig(ev.Args["itemQuantity"])

		item := CatalogItem{Address: addr, Name: addr.Hex()}
		if catalog != nil {
			if known, ok := catalog.Lookup(addr); ok {
				item = known
			}
		}
		if addr == (common.Address{}) || strings.EqualFold(item.Name, nothingItem) {
			continue
		}

		amount := scale(quantity, item.Decimals)
		if i, seen := index[addr]; seen {
			items[i].Amount += amount
			items[i].Display = display(items[i].Amount, item.Name)
			continue
		}
		index[addr] = len(items)
		items = append(items, RewardItem{
			Name:    item.Name,
			Address: addr,
			Amount:  amount,
			Display: display(amount, item.Name),
		})
	}
	return xp, skillUp, items
}

func scale(quantity *big.Int, decimals int) float64 {
	if quantity == nil {
		return 0
	}
	value := new(big.Float).SetInt(quantity)
	if decimals > 0 {
		divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		value.Quo(value, divisor)
	}
	f, _ := value.Float64()
	return f
}

func display(amount float64, name string) string {
	return fmt.Sprintf("%s %s", big.NewFloat(amount).Text('f', -1), name)
}

func toBig(v any) *big.Int {
	switch n := v.(type) {
	case *big.Int:
		return n
	case uint64:
		return new(big.Int).SetUint64(n)
	case uint32:
		return big.NewInt(int64(n))
	case uint16:
		return big.NewInt(int64(n))
	case uint8:
		return big.NewInt(int64(n))
	}
	return nil
}

func toUint64(v any) uint64 {
	b := toBig(v)
	if b == nil || !b.IsUint64() {
		return 0
	}
	return b.Uint64()
}
