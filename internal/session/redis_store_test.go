package session

import (
	"context"
	"testing"
	"time"

	"credport/api/internal/store"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer rs.Close()

	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	account := store.User{ID: "acct-123", DisplayName: "Dana Reyes", Email: "dana@example.com"}

	err := rs.SaveRefreshSession(ctx, "test-token-hash", account, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := rs.LookupRefreshSession(ctx, "test-token-hash")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != account.ID {
		t.Errorf("expected user ID %s, got %s", account.ID, user.ID)
	}
	if user.Email != account.Email {
		t.Errorf("expected email %s, got %s", account.Email, user.Email)
	}
}

func TestLookupUnknownTokenFails(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	if _, err := rs.LookupRefreshSession(context.Background(), "missing"); err == nil {
		t.Fatal("expected lookup of unknown token to fail")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	account := store.User{ID: "acct-123", Email: "dana@example.com"}
	if err := rs.SaveRefreshSession(ctx, "hash", account, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "hash"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "hash"); err == nil {
		t.Fatal("expected revoked token to be gone")
	}
}

func TestRefreshSessionExpires(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	account := store.User{ID: "acct-123", Email: "dana@example.com"}
	if err := rs.SaveRefreshSession(ctx, "hash", account, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, err := rs.LookupRefreshSession(ctx, "hash"); err == nil {
		t.Fatal("expected expired token to be gone")
	}
}
