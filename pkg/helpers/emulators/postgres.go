package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresConfig struct {
	ImageContainer
	User     string
	Password string
	Database string
}

const (
	testPostgresImage = "postgres:16-alpine"
	testPostgresPort  = "5432"
)

func GetDefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		ImageContainer: ImageContainer{
			EmulatorImage: testPostgresImage,
			EmulatorPort:  testPostgresPort,
		},
		User:     "bench",
		Password: "bench",
		Database: "sinkbench",
	}
}

// SetupPostgres starts a throwaway PostgreSQL server and returns its DSN.
func SetupPostgres(t *testing.T, ctx context.Context, cfg PostgresConfig) (dsn string, cleanupFunc func()) {
	t.Helper()
	port := fmt.Sprintf("%s/tcp", cfg.EmulatorPort)
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{port},
		Env: map[string]string{
			"POSTGRES_USER":     cfg.User,
			"POSTGRES_PASSWORD": cfg.Password,
			"POSTGRES_DB":       cfg.Database,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second),
			wait.ForListeningPort(nat.Port(port)).WithStartupTimeout(60*time.Second),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)

	dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", cfg.User, cfg.Password, host, mapped.Port(), cfg.Database)
	return dsn, func() {
		if err := container.Terminate(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate Postgres container")
		}
	}
}
