package task

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

	"github.com/BaSui01/aethergate/apiformat"
	"github.com/BaSui01/aethergate/candidate"
	"github.com/BaSui01/aethergate/failover"
	"github.com/BaSui01/aethergate/health"
	"github.com/BaSui01/aethergate/internal/cache"
	"github.com/BaSui01/aethergate/model"
	"github.com/BaSui01/aethergate/ratelimit"
	"github.com/BaSui01/aethergate/request"
	"github.com/BaSui01/aethergate/scheduling"
	"github.com/BaSui01/aethergate/store"
)

type orchestratorFixture struct {
	db           *gorm.DB
	guard        *ratelimit.RPMGuard
	health       *health.Monitor
	orchestrator *Orchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
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

	cfg := scheduling.NewConfig(scheduling.PriorityModeProvider, scheduling.SchedulingModeFixedOrder, true, zap.NewNop())
	builder := scheduling.NewBuilder(apiformat.NewRegistry(zap.NewNop()), zap.NewNop())
	sorter := scheduling.NewSorter(cfg, zap.NewNop())
	affinity := scheduling.NewAffinityManager(cacheManager, scheduling.DefaultAffinityConfig(), zap.NewNop())
	scheduler := scheduling.NewCacheAwareScheduler(cfg, builder, sorter, affinity, nil, zap.NewNop())

	records := store.NewRequestCandidateService(db, zap.NewNop())
	service := candidate.NewService(
		model.NewAvailabilityQuery(db, zap.NewNop()),
		scheduler,
		candidate.NewRecorder(records, zap.NewNop()),
		zap.NewNop(),
	)
	engine := failover.NewEngine(records, failover.NewClassifier(zap.NewNop()), zap.NewNop())

	adaptive := ratelimit.NewAdaptiveRPMManager(db, ratelimit.DefaultRPMConfig(), zap.NewNop())
	reservation := ratelimit.NewReservationManager(adaptive, ratelimit.ReservationConfig{}, zap.NewNop())
	guard := ratelimit.NewRPMGuard(cacheManager, adaptive, reservation, zap.NewNop())
	monitor := health.NewMonitor(health.DefaultConfig(), zap.NewNop())
	executor := request.NewExecutor(records, guard, adaptive, monitor, zap.NewNop())

	return &orchestratorFixture{
		db:           db,
		guard:        guard,
		health:       monitor,
		orchestrator: NewOrchestrator(service, engine, executor, zap.NewNop()),
	}
}

// seedUpstream 建一套可路由的视频任务上游（gemini:video 端点）
func seedUpstream(t *testing.T, db *gorm.DB, name string, priority int, mutate func(p *store.Provider, k *store.ProviderAPIKey)) *store.Provider {
	t.Helper()

	p := &store.Provider{Name: name, Enabled: true, Priority: priority}
	k := &store.ProviderAPIKey{APIKey: "sk-" + name, Enabled: true}
	if mutate != nil {
		mutate(p, k)
	}
	require.NoError(t, db.Create(p).Error)
	require.NoError(t, db.Create(&store.ProviderEndpoint{
		ProviderID: p.ID, Signature: "gemini:video", BaseURL: "https://up.example.com", Enabled: true,
	}).Error)
	k.ProviderID = p.ID
	require.NoError(t, db.Create(k).Error)

	g := &store.GlobalModel{Name: "veo-3", Enabled: true}
	require.NoError(t, db.FirstOrCreate(g, store.GlobalModel{Name: "veo-3"}).Error)
	require.NoError(t, db.Create(&store.Model{
		ProviderID: p.ID, GlobalModelID: g.ID, Name: "veo-3", Enabled: true,
	}).Error)
	return p
}

func submitParams(submit SubmitFunc) SubmitParams {
	return SubmitParams{
		ClientFormat:  apiformat.Signature("gemini:video"),
		Model:         "veo-3",
		AffinityKey:   "caller-1",
		RequestID:     "req-1",
		TaskType:      "video_generation",
		Submit:        submit,
		ExtractTaskID: func(body []byte) string { return string(body) },
	}
}

func requestStatuses(t *testing.T, db *gorm.DB, requestID string) []string {
	t.Helper()
	var records []store.RequestCandidate
	require.NoError(t, db.Where("request_id = ?", requestID).
		Order("attempt_index ASC, retry_index ASC").Find(&records).Error)
	statuses := make([]string, len(records))
	for i, r := range records {
		statuses[i] = r.Status
	}
	return statuses
}

func TestSubmitSuccessLocksFirstCandidate(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := seedUpstream(t, f.db, "gemini-main", 10, nil)

	outcome, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(
		func(context.Context, *scheduling.ProviderCandidate) (*SubmitResponse, error) {
			return &SubmitResponse{Status: 200, Body: []byte("task-abc")}, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, "task-abc", outcome.ExternalTaskID)
	assert.Equal(t, p.ID, outcome.Candidate.Provider.ID)
	assert.Equal(t, 0, outcome.CandidateIndex)

	assert.Equal(t, []string{store.CandidateStatusSuccess}, requestStatuses(t, f.db, "req-1"))
}

func TestSubmitFailsOverToNextProvider(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedUpstream(t, f.db, "primary", 10, nil)
	backup := seedUpstream(t, f.db, "backup", 5, nil)

	outcome, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(
		func(_ context.Context, c *scheduling.ProviderCandidate) (*SubmitResponse, error) {
			if c.Provider.Name == "primary" {
				return &SubmitResponse{Status: 500, Body: []byte("internal error")}, nil
			}
			return &SubmitResponse{Status: 200, Body: []byte("task-xyz")}, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, backup.ID, outcome.Candidate.Provider.ID)
	assert.Equal(t, "task-xyz", outcome.ExternalTaskID)

	require.Len(t, outcome.Audit, 2)
	assert.Equal(t, "http_error", outcome.Audit[0].ErrorType)
	assert.True(t, outcome.Audit[1].Selected)

	assert.Equal(t,
		[]string{store.CandidateStatusFailed, store.CandidateStatusSuccess},
		requestStatuses(t, f.db, "req-1"))
}

// 200 但缺任务 ID 也算失败并切换候选
func TestSubmitEmptyTaskIDFailsOver(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedUpstream(t, f.db, "primary", 10, nil)
	backup := seedUpstream(t, f.db, "backup", 5, nil)

	outcome, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(
		func(_ context.Context, c *scheduling.ProviderCandidate) (*SubmitResponse, error) {
			if c.Provider.Name == "primary" {
				return &SubmitResponse{Status: 200, Body: nil}, nil
			}
			return &SubmitResponse{Status: 200, Body: []byte("task-2")}, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, backup.ID, outcome.Candidate.Provider.ID)
}

func TestSubmitClientErrorStopsFailover(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedUpstream(t, f.db, "primary", 10, nil)
	seedUpstream(t, f.db, "backup", 5, nil)

	calls := 0
	_, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(
		func(context.Context, *scheduling.ProviderCandidate) (*SubmitResponse, error) {
			calls++
			return &SubmitResponse{Status: 400, Body: []byte(`{"error": {"type": "invalid_request_error"}}`)}, nil
		}))

	var clientErr *failover.UpstreamClientRequestError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, 400, clientErr.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestSubmitAllCandidatesFailed(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedUpstream(t, f.db, "primary", 10, nil)
	seedUpstream(t, f.db, "backup", 5, nil)

	_, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(
		func(context.Context, *scheduling.ProviderCandidate) (*SubmitResponse, error) {
			return &SubmitResponse{Status: 503, Body: []byte("unavailable")}, nil
		}))

	var failed *failover.AllCandidatesFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "all_candidates_failed", failed.Reason)
	assert.Equal(t, 503, failed.LastStatusCode)
	assert.Len(t, failed.Audit, 2)
}

func TestSubmitBillingRuleRequired(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedUpstream(t, f.db, "no-rule", 10, nil)

	params := submitParams(func(context.Context, *scheduling.ProviderCandidate) (*SubmitResponse, error) {
		t.Fatal("submit must not be called")
		return nil, nil
	})
	params.RequireBillingRule = true

	_, err := f.orchestrator.SubmitWithFailover(context.Background(), params)

	var failed *failover.AllCandidatesFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "no_candidate_with_billing_rule", failed.Reason)
	require.Len(t, failed.Audit, 1)
	assert.Equal(t, "billing_rule_missing", failed.Audit[0].SkipReason)

	assert.Equal(t, []string{store.CandidateStatusSkipped}, requestStatuses(t, f.db, "req-1"))
}

func TestSubmitBillingRulePresent(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedUpstream(t, f.db, "with-rule", 10, func(p *store.Provider, _ *store.ProviderAPIKey) {
		p.BillingRuleID = "rule-1"
	})

	params := submitParams(func(context.Context, *scheduling.ProviderCandidate) (*SubmitResponse, error) {
		return &SubmitResponse{Status: 200, Body: []byte("task-1")}, nil
	})
	params.RequireBillingRule = true

	outcome, err := f.orchestrator.SubmitWithFailover(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "task-1", outcome.ExternalTaskID)
}

func TestSubmitUnsupportedAuthType(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedUpstream(t, f.db, "oauth-only", 10, func(_ *store.Provider, k *store.ProviderAPIKey) {
		k.AuthType = "oauth"
	})

	params := submitParams(func(context.Context, *scheduling.ProviderCandidate) (*SubmitResponse, error) {
		t.Fatal("submit must not be called")
		return nil, nil
	})
	params.SupportedAuthTypes = []string{"api_key"}

	_, err := f.orchestrator.SubmitWithFailover(context.Background(), params)

	var failed *failover.AllCandidatesFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "no_eligible_candidates", failed.Reason)
	assert.Equal(t, "unsupported_auth_type:oauth", failed.Audit[0].SkipReason)
}

// 分钟桶占满的密钥在提交阶段被守卫拒绝并切换候选
func TestSubmitRPMGuardSkipsExhaustedKey(t *testing.T) {
	f := newOrchestratorFixture(t)
	var primaryKey *store.ProviderAPIKey
	seedUpstream(t, f.db, "primary", 10, func(_ *store.Provider, k *store.ProviderAPIKey) {
		k.RPMLimit = 1
		primaryKey = k
	})
	backup := seedUpstream(t, f.db, "backup", 5, nil)

	// 先占掉 primary 唯一的槽位
	_, err := f.guard.Acquire(context.Background(), primaryKey, true)
	require.NoError(t, err)

	outcome, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(
		func(_ context.Context, c *scheduling.ProviderCandidate) (*SubmitResponse, error) {
			require.NotEqual(t, "primary", c.Provider.Name, "exhausted key must not receive the submit")
			return &SubmitResponse{Status: 200, Body: []byte("task-ok")}, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, backup.ID, outcome.Candidate.Provider.ID)

	require.Len(t, outcome.Audit, 2)
	assert.Equal(t, "concurrency", outcome.Audit[0].SkipReason)
	assert.True(t, outcome.Audit[1].Selected)

	assert.Equal(t,
		[]string{store.CandidateStatusSkipped, store.CandidateStatusSuccess},
		requestStatuses(t, f.db, "req-1"))
}

// 熔断中的密钥在提交阶段被健康预检拒绝并切换候选
func TestSubmitHealthBlackoutSkipsKey(t *testing.T) {
	f := newOrchestratorFixture(t)
	var primaryKey *store.ProviderAPIKey
	seedUpstream(t, f.db, "primary", 10, func(_ *store.Provider, k *store.ProviderAPIKey) {
		primaryKey = k
	})
	backup := seedUpstream(t, f.db, "backup", 5, nil)

	for i := 0; i < health.DefaultConfig().BlackoutThreshold; i++ {
		f.health.RecordFailure(primaryKey.ID, "upstream timeout")
	}
	require.True(t, f.health.IsBlocked(primaryKey.ID))

	outcome, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(
		func(_ context.Context, c *scheduling.ProviderCandidate) (*SubmitResponse, error) {
			require.NotEqual(t, "primary", c.Provider.Name, "blocked key must not receive the submit")
			return &SubmitResponse{Status: 200, Body: []byte("task-ok")}, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, backup.ID, outcome.Candidate.Provider.ID)

	require.Len(t, outcome.Audit, 2)
	assert.Equal(t, "health_blackout", outcome.Audit[0].SkipReason)

	assert.Equal(t,
		[]string{store.CandidateStatusSkipped, store.CandidateStatusSuccess},
		requestStatuses(t, f.db, "req-1"))
}

func TestSubmitNoCandidates(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.orchestrator.SubmitWithFailover(context.Background(), submitParams(nil))
	assert.ErrorIs(t, err, ErrNoCandidates)
}
