package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
)

var (
	testDSN         string
	testContainer   testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// An explicit DSN (e.g. CI-provided database) takes precedence over
	// starting a container.
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		testDSN = dsn
		os.Exit(m.Run())
	}

	// Start a pgvector-enabled Postgres container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "orchestrator_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, postgres integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testContainer.MappedPort(ctx, "5432")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testDSN = fmt.Sprintf("postgres://postgres:postgres@%s:%s/orchestrator_test?sslmode=disable", host, port.Port())
			}
		}
	}

	code := m.Run()

	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// testStore connects to the containerized (or POSTGRES_TEST_DSN-provided)
// database, skipping the test when neither is available.
func testStore(t *testing.T) *Store {
	t.Helper()
	if skipIntegration || testDSN == "" {
		t.Skip("postgres not available (docker missing and POSTGRES_TEST_DSN unset)")
	}
	s, err := New(context.Background(), testDSN, WithIdempotencyTTL(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestJob(kind jobs.Kind) jobs.Job {
	return jobs.Job{
		ID:             fmt.Sprintf("%s-%d-%s", kind, time.Now().UnixNano(), uuid.NewString()),
		IdempotencyKey: uuid.NewString()[:16],
		Kind:           kind,
		Params:         json.RawMessage(`{"query":"q"}`),
	}
}

func TestInsertJobIdempotency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := newTestJob(jobs.KindResearch)
	id1, existing, err := s.InsertJob(ctx, job)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, job.ID, id1)

	dup := newTestJob(jobs.KindResearch)
	dup.IdempotencyKey = job.IdempotencyKey
	id2, existing, err := s.InsertJob(ctx, dup)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, id1, id2)
}

func TestClaimHeartbeatFinish(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := newTestJob(jobs.KindResearch)
	_, _, err := s.InsertJob(ctx, job)
	require.NoError(t, err)

	claimed, err := s.ClaimNextLeasedJob(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusLeased, claimed.Status)
	assert.Equal(t, "w1", claimed.LeaseOwner)
	assert.Equal(t, 1, claimed.AttemptCount)

	require.NoError(t, s.Heartbeat(ctx, claimed.ID, "w1", 30*time.Second))
	assert.ErrorIs(t, s.Heartbeat(ctx, claimed.ID, "w2", 30*time.Second), store.ErrLeaseNotOwned)

	require.NoError(t, s.TransitionRunning(ctx, claimed.ID, "w1"))
	require.NoError(t, s.UpdateProgress(ctx, claimed.ID, "w1", 40))

	_, err = s.AppendEvent(ctx, claimed.ID, jobs.EventJobStarted, []byte(`{"attempt":1}`))
	require.NoError(t, err)

	require.NoError(t, s.FinishJob(ctx, claimed.ID, "w1", jobs.StatusSucceeded, []byte(`{"ok":true}`)))

	events, err := s.ReadEvents(ctx, claimed.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].EventID)
	assert.Equal(t, int64(2), events[1].EventID)
	assert.Equal(t, jobs.EventJobSucceeded, events[1].Type)

	final, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, final.Status)
	assert.Equal(t, 40, final.Progress)
}

func TestClaimRecoversExpiredLease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := newTestJob(jobs.KindResearch)
	_, _, err := s.InsertJob(ctx, job)
	require.NoError(t, err)

	first, err := s.ClaimNextLeasedJob(ctx, "w1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	second, err := s.ClaimNextLeasedJob(ctx, "w2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "w2", second.LeaseOwner)
	assert.Equal(t, 2, second.AttemptCount)
}

func TestHybridSearchScoped(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	embA := make([]float32, 384)
	embA[0] = 1
	embB := make([]float32, 384)
	embB[1] = 1

	require.NoError(t, s.UpsertIndexDocument(ctx, store.IndexedDocument{
		SourceType: "note", SourceID: uuid.NewString(),
		Title: "alpha", Content: "postgres lease claiming with skip locked",
		DocEmbedding: embA, DocLen: 6,
	}))
	require.NoError(t, s.UpsertIndexDocument(ctx, store.IndexedDocument{
		SourceType: "note", SourceID: uuid.NewString(),
		Title: "beta", Content: "cooking pasta with garlic",
		DocEmbedding: embB, DocLen: 4,
	}))

	res, err := s.HybridSearch(ctx, "postgres skip locked", embA, 5, store.ScopeDocs, store.SearchWeights{BM25: 0.7, Vector: 0.3})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "alpha", res.Hits[0].Title)
}

func TestCacheEntryRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fp := uuid.NewString()[:16]
	emb := make([]float32, 384)
	emb[3] = 0.5
	require.NoError(t, s.PutCacheEntry(ctx, store.CacheEntry{
		Fingerprint:    fp,
		Kind:           jobs.KindResearch,
		Result:         []byte(`{"report":"r"}`),
		QueryEmbedding: emb,
		ExpiresAt:      time.Now().Add(time.Hour),
	}))

	e, err := s.GetCacheEntry(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, jobs.KindResearch, e.Kind)
	assert.Len(t, e.QueryEmbedding, 384)
	assert.Equal(t, int64(1), e.HitCount)

	_, err = s.GetCacheEntry(ctx, "missing-fingerprint")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
