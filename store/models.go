// Package store 定义调度域的持久化模型与候选审计服务。
//
// 所有实体使用字符串 UUID 主键（BeforeCreate 钩子自动填充），
// 便于跨进程引用与 Redis 键拼接。JSON 字段统一走 GORM 的
// serializer:json，避免手写 Scan/Value。
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 提供商侧实体
// =============================================================================

// Provider 上游提供商
type Provider struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	Name     string `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Type     string `gorm:"size:50;not null;default:custom" json:"type"` // custom/claude_code/codex/gemini_cli/antigravity
	Priority int    `gorm:"default:100" json:"priority"`                 // 提供商优先级（越大越先）
	Enabled  bool   `gorm:"default:true" json:"enabled"`

	// 格式转换开关（三层开关的中间层）
	ConversionEnabled bool `gorm:"default:false" json:"conversion_enabled"`
	// 转换候选保持原优先级（覆盖全局 keep_priority_on_conversion；nil 表示跟随全局）
	KeepPriorityOnConversion *bool `gorm:"serializer:json" json:"keep_priority_on_conversion,omitempty"`

	// 计费规则标识；为空时该提供商的候选在编排层被跳过
	BillingRuleID string `gorm:"size:36" json:"billing_rule_id"`

	// 同候选重试次数上限的提供商级覆盖；0 = 跟随全局重试策略
	MaxRetries int `gorm:"default:0" json:"max_retries"`

	Endpoints []ProviderEndpoint `gorm:"foreignKey:ProviderID" json:"endpoints,omitempty"`
	Keys      []ProviderAPIKey   `gorm:"foreignKey:ProviderID" json:"keys,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderEndpoint 提供商端点（一个签名一个端点）
type ProviderEndpoint struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	ProviderID string `gorm:"size:36;not null;index:idx_endpoint_provider" json:"provider_id"`
	Signature  string `gorm:"size:50;not null;index" json:"signature"` // canonical `family:kind`
	BaseURL    string `gorm:"size:500;not null" json:"base_url"`
	Enabled    bool   `gorm:"default:true" json:"enabled"`

	// 端点级格式接受策略（三层开关的最内层），JSON 存储，nil 表示未配置
	FormatAcceptance *FormatAcceptanceJSON `gorm:"serializer:json" json:"format_acceptance,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FormatAcceptanceJSON 端点格式接受策略的持久化形态
type FormatAcceptanceJSON struct {
	Enabled          bool     `json:"enabled"`
	AcceptFormats    []string `json:"accept_formats,omitempty"`
	RejectFormats    []string `json:"reject_formats,omitempty"`
	StreamConversion *bool    `json:"stream_conversion,omitempty"`
}

// ProviderAPIKey 提供商密钥（调度的最小单元）
type ProviderAPIKey struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	ProviderID string `gorm:"size:36;not null;index:idx_key_provider" json:"provider_id"`
	APIKey     string `gorm:"size:500;not null" json:"api_key"`
	AuthType   string `gorm:"size:50;default:api_key" json:"auth_type"` // api_key / oauth
	Label      string `gorm:"size:100" json:"label"`
	Enabled    bool   `gorm:"default:true" json:"enabled"`

	// OAuth 失效原因；带 [ACCOUNT_BLOCK] 前缀表示需要人工处理，候选构建时跳过
	OAuthInvalidReason string `gorm:"size:200" json:"oauth_invalid_reason,omitempty"`

	// 密钥支持的签名列表（原始 JSON）。null 表示支持所属提供商全部
	// 活跃端点的格式；非数组形态视为比空更严格，可用性查询时丢弃该密钥。
	APIFormats json.RawMessage `gorm:"type:text" json:"api_formats,omitempty"`

	Priority int `gorm:"default:100" json:"priority"` // 密钥内部优先级（越大越先）
	// global_key 模式下按客户端完整签名取优先级
	// （如 {"claude:chat":80,"openai:chat":50}）
	GlobalPriorityByFormat map[string]int `gorm:"serializer:json" json:"global_priority_by_format,omitempty"`

	// 模型访问限制（list 或 map 形态；nil 表示不限制）
	AllowedModels *AllowedModelsJSON `gorm:"serializer:json" json:"allowed_models,omitempty"`

	// 并发与速率
	MaxConcurrency int `gorm:"default:0" json:"max_concurrency"` // 0 = 不限
	RPMLimit       int `gorm:"default:0" json:"rpm_limit"`       // 配置的静态上限；0 = 未配置

	// 自适应 RPM 学习状态（由 ratelimit.AdaptiveRPMManager 维护）
	AdaptiveState *AdaptiveStateJSON `gorm:"serializer:json" json:"adaptive_state,omitempty"`

	// 运行统计
	TotalRequests  int64      `gorm:"default:0" json:"total_requests"`
	FailedRequests int64      `gorm:"default:0" json:"failed_requests"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdaptiveStateJSON 密钥的自适应限速学习状态
type AdaptiveStateJSON struct {
	LearnedLimit int `json:"learned_limit,omitempty"` // 0 = 未学习到
	LastRPMPeak  int `json:"last_rpm_peak,omitempty"` // 上次触发 429 时的边界

	RPM429Count        int        `json:"rpm_429_count,omitempty"`
	Concurrent429Count int        `json:"concurrent_429_count,omitempty"`
	Last429At          *time.Time `json:"last_429_at,omitempty"`
	Last429Type        string     `json:"last_429_type,omitempty"`
	LastProbeAt        *time.Time `json:"last_probe_at,omitempty"`

	AdjustmentHistory []AdjustmentEntry   `json:"adjustment_history,omitempty"`
	UtilizationWindow []UtilizationSample `json:"utilization_window,omitempty"`
}

// AdjustmentEntry 自适应调整历史的一条记录。
// Kind 为 observation 时记录一次 429 观察；为 adjustment 时记录一次限制变更。
type AdjustmentEntry struct {
	Kind          string    `json:"kind"`
	CurrentRPM    int       `json:"current_rpm,omitempty"`
	UpstreamLimit int       `json:"upstream_limit,omitempty"`
	OldLimit      int       `json:"old_limit,omitempty"`
	NewLimit      int       `json:"new_limit,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	At            time.Time `json:"at"`
}

// UtilizationSample 利用率采样（滑动窗口）
type UtilizationSample struct {
	Utilization float64   `json:"utilization"`
	At          time.Time `json:"at"`
}

// =============================================================================
// 🗄️ 模型与客户端实体
// =============================================================================

// Model 提供商下的可调度模型
type Model struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	ProviderID string `gorm:"size:36;not null;index:idx_model_provider" json:"provider_id"`
	// 关联的全局模型；为空的模型不参与路由
	GlobalModelID string `gorm:"size:36;index:idx_model_global" json:"global_model_id"`
	Name          string `gorm:"size:100;not null;index" json:"name"` // 对外模型名
	RemoteName    string `gorm:"size:100" json:"remote_name"`         // 提供商侧名称（可能不同）
	Enabled       bool   `gorm:"default:true" json:"enabled"`
	// 运行时可用性探测结果；nil 视为可用（兼容历史数据）
	IsAvailable *bool `json:"is_available,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GlobalModel 全局模型聚合（同名模型跨提供商的统一入口）
type GlobalModel struct {
	ID      string `gorm:"primaryKey;size:36" json:"id"`
	Name    string `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Enabled bool   `gorm:"default:true" json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User 客户端用户
type User struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	Username string `gorm:"size:100;not null;uniqueIndex" json:"username"`
	Enabled  bool   `gorm:"default:true" json:"enabled"`

	// 用户级模型限制；与 ApiKey 级限制取交集
	AllowedModels *AllowedModelsJSON `gorm:"serializer:json" json:"allowed_models,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApiKey 客户端 API 密钥
type ApiKey struct {
	ID      string `gorm:"primaryKey;size:36" json:"id"`
	UserID  string `gorm:"size:36;not null;index" json:"user_id"`
	Key     string `gorm:"size:200;not null;uniqueIndex" json:"key"`
	Label   string `gorm:"size:100" json:"label"`
	Enabled bool   `gorm:"default:true" json:"enabled"`

	AllowedModels *AllowedModelsJSON `gorm:"serializer:json" json:"allowed_models,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowedModelsJSON 模型访问限制的两种形态之一：
//   - List 非 nil：扁平模型名列表
//   - ByFormat 非 nil：按数据格式分组的模型名列表
//
// 两者互斥；均为 nil 等价于不限制（但通常此时整个指针就是 nil）。
type AllowedModelsJSON struct {
	List     []string            `json:"list,omitempty"`
	ByFormat map[string][]string `json:"by_format,omitempty"`
}

// =============================================================================
// 🗄️ 候选审计记录
// =============================================================================

// 候选记录状态机：available -> pending -> (skipped|streaming|success|failed|unused)
const (
	CandidateStatusAvailable = "available"
	CandidateStatusPending   = "pending"
	CandidateStatusSkipped   = "skipped"
	CandidateStatusStreaming = "streaming"
	CandidateStatusSuccess   = "success"
	CandidateStatusFailed    = "failed"
	CandidateStatusUnused    = "unused"
)

// RequestCandidate 一次请求中单个候选的审计记录
type RequestCandidate struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	RequestID string `gorm:"size:64;not null;index:idx_candidate_request" json:"request_id"`

	ProviderID string `gorm:"size:36;not null" json:"provider_id"`
	KeyID      string `gorm:"size:36;not null" json:"key_id"`
	EndpointID string `gorm:"size:36" json:"endpoint_id"`
	ModelName  string `gorm:"size:100" json:"model_name"`

	AttemptIndex int `gorm:"default:0" json:"attempt_index"` // 候选序号
	RetryIndex   int `gorm:"default:0" json:"retry_index"`   // 同一候选的第几次重试

	Status          string `gorm:"size:20;not null;default:available;index" json:"status"`
	SkipReason      string `gorm:"size:100" json:"skip_reason,omitempty"`
	ErrorType       string `gorm:"size:50" json:"error_type,omitempty"`
	ErrorMessage    string `gorm:"size:200" json:"error_message,omitempty"` // 已脱敏、截断
	IsCached        bool   `gorm:"default:false" json:"is_cached"`
	NeedsConversion bool   `gorm:"default:false" json:"needs_conversion"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LatencyMs  int64      `gorm:"default:0" json:"latency_ms"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// 🎯 钩子与迁移
// =============================================================================

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (p *Provider) BeforeCreate(*gorm.DB) error         { ensureID(&p.ID); return nil }
func (e *ProviderEndpoint) BeforeCreate(*gorm.DB) error { ensureID(&e.ID); return nil }
func (k *ProviderAPIKey) BeforeCreate(*gorm.DB) error   { ensureID(&k.ID); return nil }
func (m *Model) BeforeCreate(*gorm.DB) error            { ensureID(&m.ID); return nil }
func (g *GlobalModel) BeforeCreate(*gorm.DB) error      { ensureID(&g.ID); return nil }
func (u *User) BeforeCreate(*gorm.DB) error             { ensureID(&u.ID); return nil }
func (a *ApiKey) BeforeCreate(*gorm.DB) error           { ensureID(&a.ID); return nil }
func (r *RequestCandidate) BeforeCreate(*gorm.DB) error { ensureID(&r.ID); return nil }

// AutoMigrate 迁移调度域全部表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Provider{},
		&ProviderEndpoint{},
		&ProviderAPIKey{},
		&Model{},
		&GlobalModel{},
		&User{},
		&ApiKey{},
		&RequestCandidate{},
	)
}
