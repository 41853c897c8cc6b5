// Package config 负责加载守护进程配置：主配置（JSON 或 TOML）、.env 中的密钥、
// 以及 YAML 格式的任务/队伍定义和奖励物品目录。启动校验失败时返回
// CONFIGURATION 错误，进程应直接退出。
package config
