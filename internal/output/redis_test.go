package output

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

func startRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return config.RedisConfig{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func TestRedisSink_Push(t *testing.T) {
	cfg := startRedis(t)

	sink, err := NewRedisSink(cfg, "vulnpull:documents")
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	docs := testDocs(3)
	require.NoError(t, sink.Push(ctx, docs))
	require.NoError(t, sink.Push(ctx, nil))

	n, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	raw, err := sink.client.LRange(ctx, "vulnpull:documents", 0, -1).Result()
	require.NoError(t, err)
	for i, r := range raw {
		var d types.VulnerabilityDocument
		require.NoError(t, json.Unmarshal([]byte(r), &d))
		assert.Equal(t, docs[i].PluginID, d.PluginID)
	}
}

func TestNewRedisSink_Errors(t *testing.T) {
	_, err := NewRedisSink(config.RedisConfig{Addr: "127.0.0.1:1"}, "")
	assert.Error(t, err)

	_, err = NewRedisSink(config.RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, "docs")
	assert.Error(t, err)
}
