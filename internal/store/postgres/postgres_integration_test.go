package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mycelian/mycelian-memory/companion/internal/store"
	"github.com/mycelian/mycelian-memory/companion/internal/store/storetest"
)

// postgresDSN returns a DSN from COMPANION_POSTGRES_DSN, or starts a throwaway
// container when COMPANION_TESTCONTAINERS=1.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("COMPANION_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("COMPANION_TESTCONTAINERS") != "1" {
		t.Skip("COMPANION_POSTGRES_DSN not set; skipping postgres store integration test")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "companion",
			"POSTGRES_PASSWORD": "companion",
			"POSTGRES_DB":       "companion",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	return fmt.Sprintf("postgres://companion:companion@%s:%s/companion?sslmode=disable", host, port.Port())
}

func makePGStore(t *testing.T) store.Store {
	t.Helper()
	dsn := postgresDSN(t)
	if err := Bootstrap(context.Background(), dsn); err != nil {
		t.Fatalf("postgres bootstrap: %v", err)
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("postgres open: %v", err)
	}
	s := NewWithDB(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_Compliance(t *testing.T) {
	storetest.Run(t, makePGStore)
}
