package sqliteutil_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"creativepipe/internal/sqliteutil"
)

func TestMigrateAppliesOnce(t *testing.T) {
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"migrations/001_init.sql": {Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")},
		"migrations/README.md":    {Data: []byte("ignored")},
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := sqliteutil.Migrate(ctx, db, migrations, "migrations"); err != nil {
			t.Fatalf("Migrate pass %d: %v", i, err)
		}
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded migration, got %d", count)
	}
}

func TestRetryOnBusyStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := sqliteutil.RetryOnBusy(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
}

func TestRetryOnBusyRetries(t *testing.T) {
	calls := 0
	err := sqliteutil.RetryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	parsed, err := sqliteutil.ParseTime(sqliteutil.FormatTime(now))
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(now) {
		t.Fatalf("got %s want %s", parsed, now)
	}
}
