// Package collaborator 定义 saga 步骤调用的外部协作方接口及其远程实现。
//
// 每个远程调用都经过 Breaker：熔断器包在重试之内，熔断打开后不再重试。
package collaborator
