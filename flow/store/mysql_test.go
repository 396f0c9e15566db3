package store_test

import (
	"os"
	"testing"

	"github.com/flowforge/flowcore/flow/store"
)

// getTestMySQLDSN returns the DSN from TEST_MYSQL_DSN, or "" if unset. Tests
// in this file skip rather than fail when no DSN is configured, matching the
// teacher's own integration-test discipline for optional external
// dependencies (example DSN: "user:pass@tcp(localhost:3306)/flowcore_test").
func getTestMySQLDSN(t *testing.T) string {
	t.Helper()
	return os.Getenv("TEST_MYSQL_DSN")
}

func TestMySQLStore_Contract(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("skipping MySQL store tests: TEST_MYSQL_DSN not set")
	}

	exerciseCheckpointStoreContract(t, func(t *testing.T) checkpointStore {
		s, err := store.NewMySQLStore(dsn)
		if err != nil {
			t.Fatalf("NewMySQLStore: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMySQLStore_Ping(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("skipping MySQL store tests: TEST_MYSQL_DSN not set")
	}

	s, err := store.NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Ping(t.Context()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
