package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/dtg-labs/shieldgate/pkg/infra/cache"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	client := cache.NewClientWithRedis(db)
	ctx := context.Background()

	mock.ExpectSet("shield:block:1.2.3.4", "manual", time.Hour).SetVal("OK")
	mock.ExpectGet("shield:block:1.2.3.4").SetVal("manual")

	require.NoError(t, client.Set(ctx, "shield:block:1.2.3.4", "manual", time.Hour))
	value, err := client.Get(ctx, "shield:block:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "manual", value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_IncrBy(t *testing.T) {
	db, mock := redismock.NewClientMock()
	client := cache.NewClientWithRedis(db)

	mock.ExpectIncrBy("shield:risk:1.2.3.4", 40).SetVal(80)

	total, err := client.IncrBy(context.Background(), "shield:risk:1.2.3.4", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(80), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_Exists(t *testing.T) {
	db, mock := redismock.NewClientMock()
	client := cache.NewClientWithRedis(db)
	ctx := context.Background()

	mock.ExpectExists("shield:block:1.2.3.4").SetVal(1)
	mock.ExpectExists("shield:block:5.6.7.8").SetVal(0)

	found, err := client.Exists(ctx, "shield:block:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = client.Exists(ctx, "shield:block:5.6.7.8")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_ScanKeysFollowsCursor(t *testing.T) {
	db, mock := redismock.NewClientMock()
	client := cache.NewClientWithRedis(db)

	mock.ExpectScan(0, "shield:block:*", 100).SetVal([]string{"shield:block:1.2.3.4"}, 7)
	mock.ExpectScan(7, "shield:block:*", 100).SetVal([]string{"shield:block:5.6.7.8"}, 0)

	keys, err := client.ScanKeys(context.Background(), "shield:block:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"shield:block:1.2.3.4", "shield:block:5.6.7.8"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}
