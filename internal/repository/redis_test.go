package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/model"
)

func setupTestRedis(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	repo, err := NewRedisRepository(context.Background(), config.RedisConfig{
		DataAddress: mr.Addr(),
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open redis repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, mr
}

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupTestRedis(t)

	if err := repo.SaveOTP(ctx, "0791234567", "good", time.Minute, 2); err != nil {
		t.Fatalf("SaveOTP failed: %v", err)
	}

	tests := []struct {
		name          string
		hash          string
		wantStatus    OTPStatus
		wantRemaining int
	}{
		{name: "mismatch decrements", hash: "bad", wantStatus: OTPMismatch, wantRemaining: 1},
		{name: "mismatch reaches zero", hash: "bad", wantStatus: OTPMismatch, wantRemaining: 0},
		{name: "exhausted even with right code", hash: "good", wantStatus: OTPExhausted},
		{name: "exhausted code is deleted", hash: "good", wantStatus: OTPMissing},
	}
	for _, tt := range tests {
		status, remaining, err := repo.VerifyOTP(ctx, "0791234567", tt.hash)
		if err != nil {
			t.Fatalf("%s: VerifyOTP failed: %v", tt.name, err)
		}
		if status != tt.wantStatus || remaining != tt.wantRemaining {
			t.Errorf("%s: got (%d, %d), want (%d, %d)", tt.name, status, remaining, tt.wantStatus, tt.wantRemaining)
		}
	}
}

func TestVerifyOTPConsumesMatch(t *testing.T) {
	ctx := context.Background()
	repo, mr := setupTestRedis(t)

	if err := repo.SaveOTP(ctx, "0791234567", "good", time.Minute, 3); err != nil {
		t.Fatalf("SaveOTP failed: %v", err)
	}
	status, remaining, err := repo.VerifyOTP(ctx, "0791234567", "good")
	if err != nil || status != OTPMatched || remaining != 3 {
		t.Fatalf("Expected match with 3 attempts left, got %d %d %v", status, remaining, err)
	}
	if mr.Exists(OTPKey + "0791234567") {
		t.Error("Matched code must be consumed")
	}
	if status, _, _ := repo.VerifyOTP(ctx, "0791234567", "good"); status != OTPMissing {
		t.Errorf("Expected second use to find no code, got %d", status)
	}
}

func TestVerifyOTPReloadsFlushedScript(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupTestRedis(t)

	if err := repo.SaveOTP(ctx, "0791234567", "good", time.Minute, 3); err != nil {
		t.Fatalf("SaveOTP failed: %v", err)
	}
	if err := repo.client.ScriptFlush(ctx).Err(); err != nil {
		t.Fatalf("ScriptFlush failed: %v", err)
	}

	status, _, err := repo.VerifyOTP(ctx, "0791234567", "good")
	if err != nil || status != OTPMatched {
		t.Errorf("Expected match after NOSCRIPT reload, got %d %v", status, err)
	}
}

func TestSaveOTPReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	repo, mr := setupTestRedis(t)

	repo.SaveOTP(ctx, "0791234567", "first", time.Minute, 1)
	repo.VerifyOTP(ctx, "0791234567", "wrong")
	if err := repo.SaveOTP(ctx, "0791234567", "second", time.Minute, 3); err != nil {
		t.Fatalf("SaveOTP failed: %v", err)
	}
	if ttl := mr.TTL(OTPKey + "0791234567"); ttl != time.Minute {
		t.Errorf("Expected TTL of one minute, got %v", ttl)
	}
	status, remaining, err := repo.VerifyOTP(ctx, "0791234567", "first")
	if err != nil || status != OTPMismatch || remaining != 2 {
		t.Errorf("Expected old code replaced with fresh attempts, got %d %d %v", status, remaining, err)
	}
}

func TestTallyCache(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupTestRedis(t)

	if _, found, err := repo.GetTally(ctx); err != nil || found {
		t.Fatalf("Expected cache miss, got %v %v", found, err)
	}
	want := []model.NomineeTally{{NomineeName: "Ahmad Ali", Votes: 2}}
	if err := repo.SetTally(ctx, want); err != nil {
		t.Fatalf("SetTally failed: %v", err)
	}
	got, found, err := repo.GetTally(ctx)
	if err != nil || !found || len(got) != 1 || got[0] != want[0] {
		t.Errorf("Unexpected cached tally: %+v %v %v", got, found, err)
	}
	if err := repo.DeleteTallyCache(ctx); err != nil {
		t.Fatalf("DeleteTallyCache failed: %v", err)
	}
	if _, found, _ := repo.GetTally(ctx); found {
		t.Error("Expected cache miss after delete")
	}
}
