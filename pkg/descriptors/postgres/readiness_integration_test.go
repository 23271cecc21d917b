//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openfroyo/procdriver/pkg/descriptors/postgres"
	"github.com/openfroyo/procdriver/pkg/driver"
)

func TestCheckReadyAgainstContainer(t *testing.T) {
	ctx := context.Background()

	// PostgreSQL logs readiness twice: once for the bootstrap server and
	// once for the real one.
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("procdriver"),
		tcpostgres.WithUsername("procdriver"),
		tcpostgres.WithPassword("procdriver"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	l := driver.Layout{User: "procdriver", Port: port.Int()}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	d := postgres.New(postgres.WithCheckCredentials("procdriver", "procdriver", "procdriver"))
	require.NoError(t, d.CheckReady(checkCtx, host, l))

	// Rejected authentication still proves the server accepts clients.
	d = postgres.New(postgres.WithCheckCredentials("procdriver", "wrong", "procdriver"))
	require.NoError(t, d.CheckReady(checkCtx, host, l))
}
