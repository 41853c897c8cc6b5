// Package supervisor 驱动调度循环：租约、读取、结算、奖励处理、规划、启动、快照与重新排期，
// 并在出错时记录 RPC 错误、按阈值切换端点和退避。
package supervisor
