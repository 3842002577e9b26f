package candidate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/aethergate/access"
	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/failover"
	"github.com/BaSui01/aethergate/internal/cache"
	"github.com/BaSui01/aethergate/model"
	"github.com/BaSui01/aethergate/ratelimit"
	"github.com/BaSui01/aethergate/scheduling"
	"github.com/BaSui01/aethergate/store"
)

type serviceFixture struct {
	db      *gorm.DB
	service *Service
	records *store.RequestCandidateService
	guard   *ratelimit.RPMGuard
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cacheManager := cache.NewManagerFromClient(client, cache.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { _ = cacheManager.Close() })

	cfg := scheduling.NewConfig(scheduling.PriorityModeProvider, scheduling.SchedulingModeCacheAffinity, true, zap.NewNop())

	registry := apiformat.NewRegistry(zap.NewNop())
	identity := func(body []byte, _, _ apiformat.Signature) ([]byte, error) { return body, nil }
	claudeChat := apiformat.Signature("claude:chat")
	openaiChat := apiformat.Signature("openai:chat")
	registry.RegisterRequestConverter(claudeChat, openaiChat, identity)
	registry.RegisterResponseConverter(openaiChat, claudeChat, identity)

	builder := scheduling.NewBuilder(registry, zap.NewNop())
	sorter := scheduling.NewSorter(cfg, zap.NewNop())
	affinity := scheduling.NewAffinityManager(cacheManager, scheduling.DefaultAffinityConfig(), zap.NewNop())

	adaptive := ratelimit.NewAdaptiveRPMManager(db, ratelimit.DefaultRPMConfig(), zap.NewNop())
	reservation := ratelimit.NewReservationManager(adaptive, ratelimit.ReservationConfig{}, zap.NewNop())
	guard := ratelimit.NewRPMGuard(cacheManager, adaptive, reservation, zap.NewNop())
	scheduler := scheduling.NewCacheAwareScheduler(cfg, builder, sorter, affinity, guard, zap.NewNop())

	records := store.NewRequestCandidateService(db, zap.NewNop())
	recorder := NewRecorder(records, zap.NewNop())
	query := model.NewAvailabilityQuery(db, zap.NewNop())

	return &serviceFixture{
		db:      db,
		service: NewService(query, scheduler, recorder, zap.NewNop()),
		records: records,
		guard:   guard,
	}
}

// seedProvider 建一套最小可路由的 provider/endpoint/key/model 组合
func seedProvider(t *testing.T, db *gorm.DB, name, signature string, priority int, mutateKey func(*store.ProviderAPIKey)) (*store.Provider, *store.ProviderAPIKey) {
	t.Helper()

	p := &store.Provider{Name: name, Enabled: true, Priority: priority}
	require.NoError(t, db.Create(p).Error)
	require.NoError(t, db.Create(&store.ProviderEndpoint{
		ProviderID: p.ID, Signature: signature, BaseURL: "https://up.example.com", Enabled: true,
	}).Error)

	k := &store.ProviderAPIKey{ProviderID: p.ID, APIKey: "sk-" + name, Enabled: true}
	if mutateKey != nil {
		mutateKey(k)
	}
	require.NoError(t, db.Create(k).Error)

	g := &store.GlobalModel{Name: "claude-sonnet", Enabled: true}
	require.NoError(t, db.FirstOrCreate(g, store.GlobalModel{Name: "claude-sonnet"}).Error)
	require.NoError(t, db.Create(&store.Model{
		ProviderID: p.ID, GlobalModelID: g.ID, Name: "claude-sonnet", Enabled: true,
	}).Error)
	return p, k
}

func TestResolveOrdersByProviderPriority(t *testing.T) {
	f := newServiceFixture(t)
	seedProvider(t, f.db, "low", "claude:chat", 1, nil)
	high, _ := seedProvider(t, f.db, "high", "claude:chat", 10, nil)

	candidates, err := f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, high.ID, candidates[0].Provider.ID)
}

// 全局转换关闭时跨家族端点仍进入候选集（以 is_skipped 形式留在审计里），
// 开启后变成可用的转换候选
func TestResolveConversionGate(t *testing.T) {
	f := newServiceFixture(t)
	seedProvider(t, f.db, "claude-up", "claude:chat", 5, nil)
	seedProvider(t, f.db, "openai-up", "openai:chat", 5, nil)

	params := ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
	}

	candidates, err := f.service.Resolve(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	byName := map[string]*scheduling.ProviderCandidate{}
	for _, c := range candidates {
		byName[c.Provider.Name] = c
	}
	assert.False(t, byName["claude-up"].IsSkipped)
	require.True(t, byName["openai-up"].IsSkipped)
	assert.Equal(t, apiformat.SkipReasonEndpointNotConfigured, byName["openai-up"].SkipReason)

	params.GlobalConversionEnabled = true
	candidates, err = f.service.Resolve(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		assert.False(t, c.IsSkipped)
		if c.Provider.Name == "openai-up" {
			assert.True(t, c.NeedsConversion)
		}
	}
}

// Provider 级开关单独放行：全局关闭时仅该提供商的跨家族端点可用
func TestResolveProviderConversionOptIn(t *testing.T) {
	f := newServiceFixture(t)
	optIn, _ := seedProvider(t, f.db, "openai-optin", "openai:chat", 5, nil)
	require.NoError(t, f.db.Model(optIn).Update("conversion_enabled", true).Error)
	seedProvider(t, f.db, "openai-plain", "openai:chat", 4, nil)

	candidates, err := f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		switch c.Provider.Name {
		case "openai-optin":
			assert.False(t, c.IsSkipped)
			assert.True(t, c.NeedsConversion)
		case "openai-plain":
			assert.True(t, c.IsSkipped)
		}
	}
}

func TestCandidateSignatures(t *testing.T) {
	sigs := candidateSignatures(apiformat.Signature("claude:chat"))

	set := map[apiformat.Signature]bool{}
	for _, s := range sigs {
		set[s] = true
	}
	// 同 kind 全家族都在查询集里，不依赖全局转换开关
	assert.True(t, set["claude:chat"])
	assert.True(t, set["openai:chat"])
	assert.True(t, set["gemini:chat"])
	assert.True(t, set["antigravity:chat"])
	// 同家族可直通的其他 kind 也在
	assert.True(t, set["claude:cli"])
	// 异 kind 异家族不在
	assert.False(t, set["openai:video"])
}

// 亲和命中的候选在分钟桶占满时选前降级为 skipped，
// 请求直接从其他候选开始。
func TestResolveDemotesExhaustedCachedCandidate(t *testing.T) {
	f := newServiceFixture(t)
	_, key := seedProvider(t, f.db, "claude-up", "claude:chat", 5, func(k *store.ProviderAPIKey) {
		k.RPMLimit = 1
	})
	seedProvider(t, f.db, "backup", "claude:chat", 1, nil)

	params := ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
	}
	ctx := context.Background()

	candidates, err := f.service.Resolve(ctx, params)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "claude-up", candidates[0].Provider.Name)
	f.service.RecordSuccess(ctx, params, candidates[0])

	// 绑定生效且桶未满：缓存命中保留
	candidates, err = f.service.Resolve(ctx, params)
	require.NoError(t, err)
	assert.True(t, candidates[0].IsCached)
	assert.False(t, candidates[0].IsSkipped)

	// 占满分钟桶后，亲和候选选前降级
	_, err = f.guard.Acquire(ctx, key, true)
	require.NoError(t, err)

	candidates, err = f.service.Resolve(ctx, params)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	byName := map[string]*scheduling.ProviderCandidate{}
	for _, c := range candidates {
		byName[c.Provider.Name] = c
	}
	demoted := byName["claude-up"]
	require.True(t, demoted.IsSkipped)
	assert.Equal(t, "rpm_exhausted", demoted.SkipReason)
	assert.False(t, demoted.IsCached)
	assert.False(t, byName["backup"].IsSkipped)
}

func TestResolveAppliesRestrictions(t *testing.T) {
	f := newServiceFixture(t)
	seedProvider(t, f.db, "claude-up", "claude:chat", 5, nil)

	candidates, err := f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
		Restrictions: access.FromList([]string{"gpt-4o"}),
	})
	require.NoError(t, err)
	assert.Empty(t, candidates)

	candidates, err = f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
		Restrictions: access.FromList([]string{"claude-sonnet"}),
	})
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestResolvePreferredKeys(t *testing.T) {
	f := newServiceFixture(t)
	_, k1 := seedProvider(t, f.db, "up-a", "claude:chat", 5, nil)
	seedProvider(t, f.db, "up-b", "claude:chat", 5, nil)

	candidates, err := f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat:    apiformat.Signature("claude:chat"),
		Model:           "claude-sonnet",
		AffinityKey:     "caller-1",
		PreferredKeyIDs: []string{k1.ID},
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, k1.ID, candidates[0].Key.ID)

	// 无命中时忽略偏好
	candidates, err = f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat:    apiformat.Signature("claude:chat"),
		Model:           "claude-sonnet",
		AffinityKey:     "caller-1",
		PreferredKeyIDs: []string{"missing"},
	})
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestResolveMaxCandidates(t *testing.T) {
	f := newServiceFixture(t)
	seedProvider(t, f.db, "up-a", "claude:chat", 5, nil)
	seedProvider(t, f.db, "up-b", "claude:chat", 4, nil)
	seedProvider(t, f.db, "up-c", "claude:chat", 3, nil)

	candidates, err := f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat:  apiformat.Signature("claude:chat"),
		Model:         "claude-sonnet",
		AffinityKey:   "caller-1",
		MaxCandidates: 2,
	})
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestCreateRecordsPreExpand(t *testing.T) {
	f := newServiceFixture(t)
	seedProvider(t, f.db, "up-a", "claude:chat", 5, nil)

	candidates, err := f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	recordMap, err := f.service.CreateRecords(context.Background(), candidates, RecordParams{
		RequestID:     "req-1",
		Model:         "claude-sonnet",
		MaxRetries:    3,
		ExpandRetries: true,
	})
	require.NoError(t, err)
	assert.Len(t, recordMap, 3)
	for retry := 0; retry < 3; retry++ {
		assert.NotEmpty(t, recordMap[failover.RecordSlot{CandidateIndex: 0, RetryIndex: retry}])
	}
	assert.Equal(t, recordMap[failover.RecordSlot{}], candidates[0].RecordID)

	keys, err := f.service.CandidateKeys(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, store.CandidateStatusAvailable, keys[0].Status)
	assert.Equal(t, 2, keys[2].RetryIndex)
}

// Provider 级 max_retries 比全局更小时取更小者
func TestCreateRecordsProviderRetryCap(t *testing.T) {
	f := newServiceFixture(t)
	p, _ := seedProvider(t, f.db, "up-a", "claude:chat", 5, nil)
	require.NoError(t, f.db.Model(p).Update("max_retries", 2).Error)

	candidates, err := f.service.Resolve(context.Background(), ResolveParams{
		ClientFormat: apiformat.Signature("claude:chat"),
		Model:        "claude-sonnet",
		AffinityKey:  "caller-1",
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	recordMap, err := f.service.CreateRecords(context.Background(), candidates, RecordParams{
		RequestID:     "req-1",
		Model:         "claude-sonnet",
		MaxRetries:    5,
		ExpandRetries: true,
	})
	require.NoError(t, err)
	assert.Len(t, recordMap, 2)
}

func TestCreateRecordsWithoutRequestID(t *testing.T) {
	f := newServiceFixture(t)
	recordMap, err := f.service.CreateRecords(context.Background(), []*scheduling.ProviderCandidate{{}}, RecordParams{})
	require.NoError(t, err)
	assert.Nil(t, recordMap)
}
