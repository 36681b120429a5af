package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newIdempotencyRepoAt(start time.Time) (*IdempotencyRepository, *manualClock) {
	clock := &manualClock{now: start}
	repo := NewIdempotencyRepository()
	repo.now = clock.Now
	return repo, clock
}

var idemStart = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestIdempotencyRepository_CreateOrderKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	repo, clock := newIdempotencyRepoAt(idemStart)

	created, err := repo.CreateProcessing(ctx, " create-order-1 ", "hash-items-a", time.Time{})
	if err != nil {
		t.Fatalf("CreateProcessing: %v", err)
	}
	if created.Key != "create-order-1" || created.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("unexpected record: %+v", created)
	}
	if !created.TTLAt.Equal(idemStart.Add(domain.DefaultIdempotencyTTL)) {
		t.Fatalf("unexpected default ttl: %s", created.TTLAt)
	}

	clock.Advance(time.Second)
	reply := []byte(`{"data":{"id":"order-1","status":"PENDING"}}`)
	if err := repo.MarkDone(ctx, "create-order-1", reply, 201); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	reply[0] = 'x'

	got, err := repo.Get(ctx, "create-order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Replayable() || got.StatusCode != 201 || got.ResponseBody[0] != '{' {
		t.Fatalf("stored reply must be a detached copy: %+v", got)
	}
	if !got.UpdatedAt.Equal(idemStart.Add(time.Second)) {
		t.Fatalf("updated_at must follow the clock, got %s", got.UpdatedAt)
	}

	got.ResponseBody[0] = 'y'
	again, _ := repo.Get(ctx, "create-order-1")
	if again.ResponseBody[0] != '{' {
		t.Fatal("Get must not expose internal state")
	}
}

func TestIdempotencyRepository_Conflicts(t *testing.T) {
	ctx := context.Background()
	repo, _ := newIdempotencyRepoAt(idemStart)
	ttl := idemStart.Add(time.Hour)

	if _, err := repo.CreateProcessing(ctx, "k", "hash-a", ttl); err != nil {
		t.Fatalf("CreateProcessing: %v", err)
	}

	held, err := repo.CreateProcessing(ctx, "k", "hash-a", ttl)
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) || held.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("expected already exists with the held record, got %+v %v", held, err)
	}
	if _, err := repo.CreateProcessing(ctx, "k", "hash-b", ttl); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestIdempotencyRepository_ExpiredKeyIsReusable(t *testing.T) {
	ctx := context.Background()
	repo, clock := newIdempotencyRepoAt(idemStart)

	if _, err := repo.CreateProcessing(ctx, "k", "hash-a", idemStart.Add(time.Minute)); err != nil {
		t.Fatalf("CreateProcessing: %v", err)
	}
	if err := repo.MarkFailed(ctx, "k", []byte(`{"error":{"status":400}}`), 400); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// Граница TTL уже считается истечением.
	clock.Advance(time.Minute)
	record, err := repo.CreateProcessing(ctx, "k", "hash-b", idemStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("expired key must be reusable: %v", err)
	}
	if record.RequestHash != "hash-b" || record.Replayable() {
		t.Fatalf("old reply must not survive reuse: %+v", record)
	}
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo, clock := newIdempotencyRepoAt(idemStart)

	for key, ttl := range map[string]time.Duration{
		"oldest": time.Minute,
		"middle": 2 * time.Minute,
		"newest": 3 * time.Minute,
		"active": time.Hour,
	} {
		if _, err := repo.CreateProcessing(ctx, key, "hash", idemStart.Add(ttl)); err != nil {
			t.Fatalf("CreateProcessing %s: %v", key, err)
		}
	}
	clock.Advance(10 * time.Minute)

	removed, err := repo.DeleteExpired(ctx, time.Time{}, 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d %v", removed, err)
	}
	for _, key := range []string{"oldest", "middle"} {
		if _, err := repo.Get(ctx, key); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			t.Fatalf("%s must be removed first, got %v", key, err)
		}
	}

	removed, err = repo.DeleteExpired(ctx, clock.Now(), 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected the rest of expired keys removed, got %d %v", removed, err)
	}
	if _, err := repo.Get(ctx, "active"); err != nil {
		t.Fatalf("active key must survive: %v", err)
	}
}

func TestIdempotencyRepository_InvalidInput(t *testing.T) {
	ctx := context.Background()
	repo, _ := newIdempotencyRepoAt(idemStart)

	if _, err := repo.CreateProcessing(ctx, "", "hash", time.Time{}); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}
	if _, err := repo.CreateProcessing(ctx, "k", " ", time.Time{}); !errors.Is(err, domain.ErrIdempotencyRequestHashRequired) {
		t.Fatalf("expected hash required, got %v", err)
	}
	if _, err := repo.Get(ctx, " "); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}
	if err := repo.MarkDone(ctx, "missing", nil, 201); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
