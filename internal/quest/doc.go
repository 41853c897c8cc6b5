// Package quest 实现任务调度核心：划分链上任务、结算已完成任务并解析奖励、
// 根据英雄体力规划可启动任务，以及按任务类型提交启动交易。
package quest
