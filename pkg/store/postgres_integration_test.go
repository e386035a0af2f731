//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
)

// newPostgresTestStore boots a throwaway postgres container and opens a
// Store against it, exercising the same driver path production uses
// instead of sqlite's.
func newPostgresTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("profileserver_test"),
		postgres.WithUsername("profileserver"),
		postgres.WithPassword("profileserver"),
		testcontainers.WithWaitStrategyAndDeadline(2*time.Minute,
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://profileserver:profileserver@%s:%d/profileserver_test?sslmode=disable", host, port.Int())

	s, err := Open(config.DatabaseConfig{
		Driver:       "postgres",
		DSN:          dsn,
		MaxOpenConns: 5,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresHealthcheck(t *testing.T) {
	s := newPostgresTestStore(t)
	require.NoError(t, s.Healthcheck(context.Background()))
}

func TestPostgresInsertAndGetHostedIdentity(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	var id identity.ID
	id[0] = 7

	require.NoError(t, s.InsertHostedIdentity(ctx, &identity.HostedIdentity{
		ID:        id,
		PublicKey: []byte("pubkey"),
		Name:      "Bob",
		Type:      "person",
	}))

	got, err := s.GetHostedIdentity(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Bob", got.Name)
}
