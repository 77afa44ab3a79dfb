package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
)

var (
	testRedisClient    *goredis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, redis integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = goredis.NewClient(&goredis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getBackend returns a Backend over the shared Redis client with a flushed
// database for test isolation. Skips the test if Docker/Redis is not
// available.
func getBackend(t *testing.T) *Backend {
	t.Helper()
	if skipIntegration {
		t.Skip("redis not available (docker missing)")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return New(testRedisClient, "test:cache:")
}

func testEntry(fp string, kind jobs.Kind) store.CacheEntry {
	emb := make([]float32, 8)
	emb[0] = 1
	return store.CacheEntry{
		Fingerprint:    fp,
		Kind:           kind,
		Result:         []byte(`{"report":"cached"}`),
		QueryEmbedding: emb,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:      time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond),
		HitCount:       2,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	b := getBackend(t)
	ctx := context.Background()

	want := testEntry("fp-roundtrip", jobs.KindResearch)
	require.NoError(t, b.PutCacheEntry(ctx, want))

	got, err := b.GetCacheEntry(ctx, "fp-roundtrip")
	require.NoError(t, err)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.Equal(t, want.Kind, got.Kind)
	assert.JSONEq(t, string(want.Result), string(got.Result))
	assert.Equal(t, want.QueryEmbedding, got.QueryEmbedding)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, want.HitCount, got.HitCount)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	b := getBackend(t)

	_, err := b.GetCacheEntry(context.Background(), "no-such-fingerprint")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScanIsScopedByKind(t *testing.T) {
	b := getBackend(t)
	ctx := context.Background()

	require.NoError(t, b.PutCacheEntry(ctx, testEntry("fp-research-1", jobs.KindResearch)))
	require.NoError(t, b.PutCacheEntry(ctx, testEntry("fp-research-2", jobs.KindResearch)))
	require.NoError(t, b.PutCacheEntry(ctx, testEntry("fp-followup-1", jobs.KindFollowup)))

	research, err := b.ScanCacheEntries(ctx, jobs.KindResearch)
	require.NoError(t, err)
	assert.Len(t, research, 2)
	for _, e := range research {
		assert.Equal(t, jobs.KindResearch, e.Kind)
	}

	followup, err := b.ScanCacheEntries(ctx, jobs.KindFollowup)
	require.NoError(t, err)
	assert.Len(t, followup, 1)

	batch, err := b.ScanCacheEntries(ctx, jobs.KindBatch)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestScanPrunesExpiredMembers(t *testing.T) {
	b := getBackend(t)
	ctx := context.Background()

	short := testEntry("fp-short", jobs.KindResearch)
	short.ExpiresAt = time.Now().Add(1100 * time.Millisecond)
	require.NoError(t, b.PutCacheEntry(ctx, short))
	require.NoError(t, b.PutCacheEntry(ctx, testEntry("fp-long", jobs.KindResearch)))

	time.Sleep(1500 * time.Millisecond)

	entries, err := b.ScanCacheEntries(ctx, jobs.KindResearch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fp-long", entries[0].Fingerprint)
}
