// Package state 保存进程内共享的运行状态：RPC 错误记录、端点切换计数、奖励与兑换历史、
// 最近一轮的状态快照，以及报告接口可以修改的两个开关。
package state
