//go:build integration

package apikey_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/smsgate/smsgate/internal/apikey"
	"github.com/smsgate/smsgate/internal/migrations"
	"github.com/smsgate/smsgate/internal/testutil"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupService(t *testing.T) *apikey.Service {
	t.Helper()
	ctx := context.Background()

	_, err := sharedPG.Pool.Exec(ctx, "DROP SCHEMA public CASCADE; CREATE SCHEMA public")
	testutil.NoError(t, err)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))
	_, err = runner.Run(ctx)
	testutil.NoError(t, err)

	svc := apikey.NewService(sharedPG.Pool, testutil.DiscardLogger(), 100)
	t.Cleanup(svc.Close)
	return svc
}

func TestCreateAndVerify(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	plaintext, key, err := svc.Create(ctx, "alerts", nil)
	testutil.NoError(t, err)
	testutil.True(t, strings.HasPrefix(plaintext, "sk_live_"))
	testutil.Equal(t, 40, len(plaintext))
	testutil.Equal(t, plaintext[:20], key.KeyPrefix)
	testutil.True(t, key.IsActive)
	testutil.Nil(t, key.RateLimit)

	verified, err := svc.Verify(ctx, plaintext)
	testutil.NoError(t, err)
	testutil.Equal(t, key.ID, verified.ID)
	testutil.Equal(t, 100, svc.EffectiveLimit(verified))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	plaintext, _, err := svc.Create(ctx, "alerts", nil)
	testutil.NoError(t, err)

	// Same 20-char prefix, different tail: prefix lookup succeeds but
	// the hash comparison must fail.
	forged := plaintext[:20] + strings.Repeat("0", 20)
	_, err = svc.Verify(ctx, forged)
	testutil.ErrorContains(t, err, "invalid api key")

	_, err = svc.Verify(ctx, "sk_live_unknown_prefix_0000")
	testutil.ErrorContains(t, err, "invalid api key")

	_, err = svc.Verify(ctx, "short")
	testutil.ErrorContains(t, err, "invalid api key")
}

func TestPerKeyRateLimitOverride(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	limit := 10
	_, key, err := svc.Create(ctx, "low-volume", &limit)
	testutil.NoError(t, err)
	testutil.NotNil(t, key.RateLimit)
	testutil.Equal(t, 10, svc.EffectiveLimit(key))
}

func TestRevoke(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	plaintext, key, err := svc.Create(ctx, "alerts", nil)
	testutil.NoError(t, err)

	revoked, err := svc.Revoke(ctx, key.ID)
	testutil.NoError(t, err)
	testutil.False(t, revoked.IsActive)

	_, err = svc.Verify(ctx, plaintext)
	testutil.ErrorContains(t, err, "invalid api key")

	// Revoking twice fails.
	_, err = svc.Revoke(ctx, key.ID)
	testutil.ErrorContains(t, err, "not found")

	// A replacement key may reuse the prefix space: only active keys
	// are unique by prefix.
	_, _, err = svc.Create(ctx, "alerts-v2", nil)
	testutil.NoError(t, err)
}

func TestListOrdersNewestFirst(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, first, err := svc.Create(ctx, "first", nil)
	testutil.NoError(t, err)
	_, second, err := svc.Create(ctx, "second", nil)
	testutil.NoError(t, err)

	keys, err := svc.List(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, keys, 2)
	testutil.Equal(t, second.ID, keys[0].ID)
	testutil.Equal(t, first.ID, keys[1].ID)
}

func TestVerifyUpdatesLastUsedAsync(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	plaintext, key, err := svc.Create(ctx, "alerts", nil)
	testutil.NoError(t, err)
	testutil.Nil(t, key.LastUsedAt)

	_, err = svc.Verify(ctx, plaintext)
	testutil.NoError(t, err)

	// Close drains the async writer, making the update observable.
	svc.Close()

	var lastUsed *string
	err = sharedPG.Pool.QueryRow(ctx,
		`SELECT last_used_at::text FROM api_keys WHERE id = $1`, key.ID).Scan(&lastUsed)
	testutil.NoError(t, err)
	testutil.NotNil(t, lastUsed)
}
