package ledger

// Contract names bound on every session.
const (
	ContractQuest   = "quest"
	ContractHero    = "hero"
	ContractJewel   = "jewel"
	ContractGardens = "gardens"
	ContractDEX     = "dex"
	ContractBank    = "bank"
)

// QuestCoreABI covers quest lookup, start/complete and the reward events.
const QuestCoreABI = `[
 {"type":"function","name":"getActiveQuests","stateMutability":"view",
  "inputs":[{"name":"_address","type":"address"}],
  "outputs":[{"name":"","type":"tuple[]","components":[
   {"name":"id","type":"uint256"},
   {"name":"quest","type":"address"},
   {"name":"heroes","type":"uint256[]"},
   {"name":"player","type":"address"},
   {"name":"startTime","type":"uint256"},
   {"name":"startBlock","type":"uint256"},
   {"name":"completeAtTime","type":"uint256"},
   {"name":"attempts","type":"uint8"},
   {"name":"status","type":"uint8"}]}]},
 {"type":"function","name":"completeQuest","stateMutability":"nonpayable",
  "inputs":[{"name":"_heroId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"startQuest","stateMutability":"nonpayable",
  "inputs":[{"name":"_heroIds","type":"uint256[]"},{"name":"_questAddress","type":"address"},{"name":"_attempts","type":"uint8"}],
  "outputs":[]},
 {"type":"function","name":"startQuestWithData","stateMutability":"nonpayable",
  "inputs":[{"name":"_heroIds","type":"uint256[]"},{"name":"_questAddress","type":"address"},{"name":"_attempts","type":"uint8"},
   {"name":"_questData","type":"tuple","components":[
    {"name":"uint1","type":"uint256"},{"name":"uint2","type":"uint256"},
    {"name":"uint3","type":"uint256"},{"name":"uint4","type":"uint256"},
    {"name":"int1","type":"int256"},{"name":"int2","type":"int256"},
    {"name":"string1","type":"string"},{"name":"string2","type":"string"},
    {"name":"address1","type":"address"},{"name":"address2","type":"address"},
    {"name":"address3","type":"address"},{"name":"address4","type":"address"}]}],
  "outputs":[]},
 {"type":"event","name":"QuestXP","anonymous":false,"inputs":[
  {"name":"questId","type":"uint256","indexed":true},
  {"name":"heroId","type":"uint256","indexed":true},
  {"name":"xpEarned","type":"uint64","indexed":false}]},
 {"type":"event","name":"QuestSkillUp","anonymous":false,"inputs":[
  {"name":"questId","type":"uint256","indexed":true},
  {"name":"heroId","type":"uint256","indexed":true},
  {"name":"profession","type":"uint8","indexed":false},
  {"name":"skillUp","type":"uint16","indexed":false}]},
 {"type":"event","name":"QuestReward","anonymous":false,"inputs":[
  {"name":"questId","type":"uint256","indexed":true},
  {"name":"player","type":"address","indexed":true},
  {"name":"heroId","type":"uint256","indexed":false},
  {"name":"rewardItem","type":"address","indexed":false},
  {"name":"itemQuantity","type":"uint256","indexed":false}]}
]`

// HeroABI exposes getHero with the full hero tuple layout.
const HeroABI = `[
 {"type":"function","name":"getHero","stateMutability":"view",
  "inputs":[{"name":"_id","type":"uint256"}],
  "outputs":[{"name":"","type":"tuple","components":[
   {"name":"id","type":"uint256"},
   {"name":"summoningInfo","type":"tuple","components":[
    {"name":"summonedTime","type":"uint256"},{"name":"nextSummonTime","type":"uint256"},
    {"name":"summonerId","type":"uint256"},{"name":"assistantId","type":"uint256"},
    {"name":"summons","type":"uint32"},{"name":"maxSummons","type":"uint32"}]},
   {"name":"info","type":"tuple","components":[
    {"name":"statGenes","type":"uint256"},{"name":"visualGenes","type":"uint256"},
    {"name":"rarity","type":"uint8"},{"name":"shiny","type":"bool"},
    {"name":"generation","type":"uint16"},{"name":"firstName","type":"uint32"},
    {"name":"lastName","type":"uint32"},{"name":"shinyStyle","type":"uint8"},
    {"name":"class","type":"uint8"},{"name":"subClass","type":"uint8"}]},
   {"name":"state","type":"tuple","components":[
    {"name":"staminaFullAt","type":"uint256"},{"name":"hpFullAt","type":"uint256"},
    {"name":"mpFullAt","type":"uint256"},{"name":"level","type":"uint16"},
    {"name":"xp","type":"uint64"},{"name":"currentQuest","type":"address"},
    {"name":"sp","type":"uint8"},{"name":"status","type":"uint8"}]},
   {"name":"stats","type":"tuple","components":[
    {"name":"strength","type":"uint16"},{"name":"intelligence","type":"uint16"},
    {"name":"wisdom","type":"uint16"},{"name":"luck","type":"uint16"},
    {"name":"agility","type":"uint16"},{"name":"vitality","type":"uint16"},
    {"name":"endurance","type":"uint16"},{"name":"dexterity","type":"uint16"},
    {"name":"hp","type":"uint16"},{"name":"mp","type":"uint16"},
    {"name":"stamina","type":"uint16"}]}]}]}
]`

// ERC20ABI is the token subset used for balances and router/bank approvals.
const ERC20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// BankABI is the staking entry point.
const BankABI = `[
 {"type":"function","name":"enter","stateMutability":"nonpayable",
  "inputs":[{"name":"_amount","type":"uint256"}],"outputs":[]}
]`

// GardensABI is the master gardener subset used for pool discovery.
const GardensABI = `[
 {"type":"function","name":"poolLength","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"poolInfo","stateMutability":"view",
  "inputs":[{"name":"","type":"uint256"}],
  "outputs":[{"name":"lpToken","type":"address"},{"name":"allocPoint","type":"uint256"},
   {"name":"lastRewardBlock","type":"uint256"},{"name":"accGovTokenPerShare","type":"uint256"}]},
 {"type":"function","name":"userInfo","stateMutability":"view",
  "inputs":[{"name":"","type":"uint256"},{"name":"","type":"address"}],
  "outputs":[{"name":"amount","type":"uint256"},{"name":"rewardDebt","type":"uint256"},
   {"name":"rewardDebtAtBlock","type":"uint256"},{"name":"lastWithdrawBlock","type":"uint256"},
   {"name":"firstDepositBlock","type":"uint256"},{"name":"blockdelta","type":"uint256"},
   {"name":"lastDepositBlock","type":"uint256"}]}
]`

// RouterABI is the UniswapV2 style router subset used for swaps.
const RouterABI = `[
 {"type":"function","name":"quote","stateMutability":"pure",
  "inputs":[{"name":"amountA","type":"uint256"},{"name":"reserveA","type":"uint256"},{"name":"reserveB","type":"uint256"}],
  "outputs":[{"name":"amountB","type":"uint256"}]},
 {"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
   {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// PairABI is the liquidity pair subset used to read reserves.
const PairABI = `[
 {"type":"function","name":"getReserves","stateMutability":"view","inputs":[],
  "outputs":[{"name":"_reserve0","type":"uint112"},{"name":"_reserve1","type":"uint112"},{"name":"_blockTimestampLast","type":"uint32"}]},
 {"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`
