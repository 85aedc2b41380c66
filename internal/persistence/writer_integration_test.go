package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/testutil"
)

// Round-trips the operation log against a real Postgres: batch insert,
// sequence recovery, conflict suppression, and both command-dedup queries.
func TestOperationLogRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	migrator := NewMigrator(db, "../../migrations")
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	writer := NewOperationLogWriter(db)

	seq, err := writer.LatestSequence(ctx)
	if err != nil {
		t.Fatalf("LatestSequence on empty log: %v", err)
	}
	if seq != 0 {
		t.Fatalf("LatestSequence = %d, want 0 on empty log", seq)
	}

	asset := "BTC"
	cmdA := uuid.New().String()
	cmdB := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := []OperationRow{
		{
			Sequence:       1,
			OpType:         "PricesCommitted",
			IdempotencyKey: cmdA + ":1",
			CommandKind:    "fulfill_prices",
			CommandKey:     cmdA,
			Payload:        []byte(`{}`),
			StateHash:      make([]byte, 32),
			PrevHash:       make([]byte, 32),
			Timestamp:      now,
			SourceSequence: 1,
		},
		{
			Sequence:       2,
			OpType:         "PositionIncreased",
			IdempotencyKey: cmdA,
			CommandKind:    "fulfill_prices",
			CommandKey:     cmdA,
			Asset:          &asset,
			Payload:        []byte(`{}`),
			StateHash:      make([]byte, 32),
			PrevHash:       make([]byte, 32),
			Timestamp:      now,
			SourceSequence: 1,
		},
		{
			Sequence:       3,
			OpType:         "StableBought",
			IdempotencyKey: cmdB,
			CommandKind:    "buy_stable",
			CommandKey:     cmdB,
			Asset:          &asset,
			Payload:        []byte(`{}`),
			StateHash:      make([]byte, 32),
			PrevHash:       make([]byte, 32),
			Timestamp:      now,
			SourceSequence: 5,
		},
	}

	writeBatch := func(batch []OperationRow) {
		t.Helper()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := writer.WriteBatch(ctx, tx, batch); err != nil {
			tx.Rollback()
			t.Fatalf("WriteBatch: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	writeBatch(rows)

	seq, err = writer.LatestSequence(ctx)
	if err != nil {
		t.Fatalf("LatestSequence: %v", err)
	}
	if seq != 3 {
		t.Fatalf("LatestSequence = %d, want 3", seq)
	}

	// A replayed batch must be absorbed by ON CONFLICT, not fail.
	writeBatch(rows[:1])

	checker := NewPostgresIdempotencyChecker(db)

	dup, err := checker.IsDuplicate("fulfill_prices", cmdA)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Error("fulfill command not reported as duplicate")
	}

	dup, err = checker.IsDuplicate("buy_stable", cmdA)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Error("kind mismatch reported as duplicate")
	}

	keys, err := checker.RecentKeys(ctx, 10)
	if err != nil {
		t.Fatalf("RecentKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("RecentKeys returned %d entries, want 3", len(keys))
	}
	if keys[0] != "buy_stable:"+cmdB {
		t.Errorf("most recent key = %q, want %q", keys[0], "buy_stable:"+cmdB)
	}
}
