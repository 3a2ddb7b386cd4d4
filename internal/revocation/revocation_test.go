package revocation

import (
	"context"
	"os"
	"testing"
	"time"

	"shahin-ai.com/grc-auth/internal/auth"
)

var (
	_ auth.RevocationList = (*Memory)(nil)
	_ auth.RevocationList = (*Redis)(nil)
)

func TestMemoryRevokeUntilExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	if err := m.Revoke(ctx, "jti-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := m.Revoke(ctx, "jti-old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Revoke expired: %v", err)
	}
	if ok, _ := m.Revoked(ctx, "jti-1"); !ok {
		t.Fatalf("expected jti-1 revoked")
	}
	if ok, _ := m.Revoked(ctx, "jti-old"); ok {
		t.Fatalf("already expired token should not be stored")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := m.Revoked(ctx, "jti-1"); ok {
		t.Fatalf("entry should lapse with the token")
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty denylist, got %d", m.Len())
	}
}

func TestRedisRevoke(t *testing.T) {
	addr := os.Getenv("GRC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GRC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, RedisConfig{Address: addr, Prefix: "grc:test:revoked:"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	jti := "jti-" + time.Now().Format("150405.000000000")
	if ok, err := r.Revoked(ctx, jti); err != nil || ok {
		t.Fatalf("fresh jti revoked=%v err=%v", ok, err)
	}
	if err := r.Revoke(ctx, jti, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ok, err := r.Revoked(ctx, jti); err != nil || !ok {
		t.Fatalf("expected revoked, got %v %v", ok, err)
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error without address")
	}
}
