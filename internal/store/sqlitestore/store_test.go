package sqlitestore_test

import (
	"path/filepath"
	"testing"

	"creativepipe/internal/store"
	"creativepipe/internal/store/sqlitestore"
	"creativepipe/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "campaigns.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
