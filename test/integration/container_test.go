//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hms/opd/internal/platform/db"
)

const defaultPostgresImage = "postgres:16-alpine"

// pgContainer is a throwaway Postgres started through the Docker CLI. Data
// lives on tmpfs with fsync off; nothing outlives the test binary.
type pgContainer struct {
	id      string
	connStr string
}

// startPostgresContainer runs OPD_TEST_POSTGRES_IMAGE (postgres:16-alpine by
// default) and returns the connection string and a cleanup function.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	image := os.Getenv("OPD_TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}
	c, err := runPostgres(ctx, image)
	if err != nil {
		return "", nil, err
	}
	if err := c.waitReady(ctx, 30*time.Second); err != nil {
		c.remove()
		return "", nil, fmt.Errorf("wait for postgres: %w", err)
	}
	return c.connStr, c.remove, nil
}

func runPostgres(ctx context.Context, image string) (*pgContainer, error) {
	// Docker picks the host port so parallel CI jobs never collide.
	out, err := docker(ctx, "run", "-d", "--rm",
		"--label", "opd-integration=1",
		"-p", "127.0.0.1::5432",
		"--tmpfs", "/var/lib/postgresql/data",
		"-e", "POSTGRES_USER=opd",
		"-e", "POSTGRES_PASSWORD=opd",
		"-e", "POSTGRES_DB=opd_test",
		image,
		"-c", "max_connections=200",
		"-c", "fsync=off",
		"-c", "synchronous_commit=off",
	)
	if err != nil {
		return nil, fmt.Errorf("docker run %s: %w", image, err)
	}
	c := &pgContainer{id: out}

	mapped, err := docker(ctx, "port", c.id, "5432/tcp")
	if err != nil {
		c.remove()
		return nil, fmt.Errorf("docker port: %w", err)
	}
	// One line per address family; the first is the IPv4 binding.
	hostPort := strings.SplitN(mapped, "\n", 2)[0]
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		c.remove()
		return nil, fmt.Errorf("unexpected port mapping %q: %w", mapped, err)
	}
	c.connStr = fmt.Sprintf("postgres://opd:opd@%s/opd_test?sslmode=disable", hostPort)
	return c, nil
}

// waitReady polls pg_isready inside the container, then opens a pool the
// same way the server does. During initdb the entrypoint runs a temporary
// server on the unix socket only, so pg_isready alone can pass too early.
func (c *pgContainer) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		if _, err := docker(ctx, "exec", c.id, "pg_isready", "-U", "opd", "-d", "opd_test"); err != nil {
			lastErr = err
		} else if pool, err := db.NewPool(ctx, db.PoolConfig{URL: c.connStr, MaxConns: 2}); err != nil {
			lastErr = err
		} else {
			pool.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-time.After(300 * time.Millisecond):
		}
	}
}

func (c *pgContainer) remove() {
	exec.Command("docker", "rm", "-f", c.id).Run()
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
