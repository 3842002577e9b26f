// Package tlsutil 提供集中式 TLS 配置。
// 上游转发、健康检查客户端与 Redis 连接统一使用这里的
// 安全加固设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
