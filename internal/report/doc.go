// Package report 对外暴露运行状态：chi 实现的只读 HTTP 接口（外加两个开关）、
// Prometheus 指标，以及通过内存或 RabbitMQ 推送的 JSON 事件。
package report
