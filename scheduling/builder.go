package scheduling

import (
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/store"
)

// AccountBlockSentinel OAuth 失效原因的前缀哨兵：需要终端用户人工处理，
// 候选构建时直接跳过。其他 oauth 失效原因视为瞬态，保持候选存活。
const AccountBlockSentinel = "[ACCOUNT_BLOCK] "

// SkipReasonAccountBlocked oauth 账号被上游封禁
const SkipReasonAccountBlocked = "oauth_account_blocked"

// AvailabilityRow 可用性查询产出的一行：(Provider, Endpoint, Key, Model)
type AvailabilityRow struct {
	Provider *store.Provider
	Endpoint *store.ProviderEndpoint
	Key      *store.ProviderAPIKey
	Model    *store.Model
}

// Builder 候选构建器：把可用性行展开为带格式兼容判定的候选。
type Builder struct {
	registry apiformat.ConverterRegistry
	logger   *zap.Logger
}

// NewBuilder 创建候选构建器
func NewBuilder(registry apiformat.ConverterRegistry, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{registry: registry, logger: logger.With(zap.String("component", "candidate_builder"))}
}

// BuildParams 单次构建的请求上下文
type BuildParams struct {
	ClientFormat apiformat.Signature
	IsStream     bool
	// 全局转换开关（三层开关的最外层）；true 时跳过端点接受策略检查
	GlobalConversionEnabled bool
}

// Build 展开候选列表。不兼容的行不会被丢弃，而是生成 is_skipped
// 候选以便审计记录完整。
func (b *Builder) Build(rows []AvailabilityRow, params BuildParams) []*ProviderCandidate {
	candidates := make([]*ProviderCandidate, 0, len(rows))

	for _, row := range rows {
		if row.Endpoint == nil || row.Key == nil {
			continue
		}

		endpointSig := apiformat.NormalizeOrDefault(row.Endpoint.Signature, apiformat.DefaultSignature)

		// 全局或提供商开关任一打开时跳过端点接受策略检查
		skipEndpointCheck := params.GlobalConversionEnabled ||
			(row.Provider != nil && row.Provider.ConversionEnabled)

		var acceptance *apiformat.FormatAcceptanceConfig
		if fa := row.Endpoint.FormatAcceptance; fa != nil {
			acceptance = &apiformat.FormatAcceptanceConfig{
				Enabled:          fa.Enabled,
				AcceptFormats:    fa.AcceptFormats,
				RejectFormats:    fa.RejectFormats,
				StreamConversion: fa.StreamConversion,
			}
		}

		result := apiformat.IsFormatCompatible(
			params.ClientFormat, endpointSig,
			acceptance, params.IsStream,
			b.registry, skipEndpointCheck,
		)

		candidate := &ProviderCandidate{
			Provider:          row.Provider,
			Endpoint:          row.Endpoint,
			Key:               row.Key,
			Model:             row.Model,
			EndpointSignature: endpointSig,
			NeedsConversion:   result.NeedsConversion,
		}

		if !result.Compatible {
			candidate.IsSkipped = true
			candidate.SkipReason = result.SkipReason
		}

		// oauth 账号封禁：需要人工处理，直接跳过
		if row.Key.AuthType == "oauth" && strings.HasPrefix(row.Key.OAuthInvalidReason, AccountBlockSentinel) {
			candidate.IsSkipped = true
			candidate.SkipReason = SkipReasonAccountBlocked
			b.logger.Debug("oauth key blocked, skipping candidate",
				zap.String("key_id", row.Key.ID),
				zap.String("reason", row.Key.OAuthInvalidReason))
		}

		candidates = append(candidates, candidate)
	}

	return candidates
}
