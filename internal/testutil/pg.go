package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGContainer wraps a pgx pool connected to the test database provided by
// the testpg helper (internal/testutil/cmd/testpg) via TEST_DATABASE_URL.
type PGContainer struct {
	Pool *pgxpool.Pool
	URL  string
}

// StartPostgresForTestMain connects to TEST_DATABASE_URL for use from a
// package's TestMain. When the variable is unset (integration tests invoked
// without the testpg wrapper) it prints a notice and exits the test binary
// with success so plain `go test ./...` stays green.
func StartPostgresForTestMain(ctx context.Context) (*PGContainer, func()) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "TEST_DATABASE_URL not set; skipping integration tests (run via internal/testutil/cmd/testpg)")
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to test database: %v\n", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pinging test database: %v\n", err)
		os.Exit(1)
	}

	pg := &PGContainer{Pool: pool, URL: url}
	return pg, pool.Close
}
