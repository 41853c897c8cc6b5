// Package market 负责处理 Jewel 奖励：通过 DEX 卖出、存入银行质押，以及启动时扫描花园流动性池。
package market
