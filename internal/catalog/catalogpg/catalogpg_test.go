package catalogpg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mblsha/appforge/internal/catalog/catalogtest"
)

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	catalogtest.Run(t, newTestStore(t, ctx))
}

func TestSetup_IsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	connectionString := startPostgres(t, context.Background())
	require.NoError(t, Setup(connectionString))
	require.NoError(t, Setup(connectionString))
}

func newTestStore(tb testing.TB, ctx context.Context) *Store {
	tb.Helper()
	connectionString := startPostgres(tb, ctx)
	require.NoError(tb, Setup(connectionString))

	pool, err := NewPool(ctx, connectionString)
	require.NoError(tb, err)
	tb.Cleanup(pool.Close)
	return NewStore(pool)
}

func startPostgres(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "appforge",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	require.NoError(tb, err)

	host, err := c.Host(ctx)
	require.NoError(tb, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(tb, err)

	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/appforge?sslmode=disable", host, port.Port())
}
