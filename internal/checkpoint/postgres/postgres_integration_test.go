// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

//go:build integration

package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eventcore/subscore/internal/checkpoint"
	checkpointpg "github.com/eventcore/subscore/internal/checkpoint/postgres"
	"github.com/eventcore/subscore/internal/event"
)

// testPool is the shared database pool for integration tests.
var testPool *pgxpool.Pool

// TestMain sets up a PostgreSQL testcontainer and applies the checkpoint
// schema before running the tests.
func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("subscore_test"),
		tcpostgres.WithUsername("subscore"),
		tcpostgres.WithPassword("subscore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		panic("failed to start postgres container: " + err.Error())
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		panic("failed to get connection string: " + err.Error())
	}

	migrator, err := checkpointpg.NewMigrator(connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		panic("failed to create migrator: " + err.Error())
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		_ = container.Terminate(ctx)
		panic("failed to run migrations: " + err.Error())
	}
	_ = migrator.Close()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		panic("failed to create pool: " + err.Error())
	}
	testPool = pool

	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// uniqueName keeps tests independent of each other inside the shared
// database.
func uniqueName() string {
	return "sub-" + uuid.NewString()
}

func TestIntegration_SubscribeAckQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := checkpointpg.New(testPool)
	name := uniqueName()

	created, err := s.Subscribe(ctx, "orders-1", name, event.Cursor{EventNumber: 3, StreamVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), created.Cursor.EventNumber)
	assert.Equal(t, int64(1), created.Cursor.StreamVersion)

	require.NoError(t, s.Ack(ctx, "orders-1", name, event.Cursor{EventNumber: 9, StreamVersion: 4}))

	got, err := s.Query(ctx, "orders-1", name)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, int64(9), got.Cursor.EventNumber)
	assert.Equal(t, int64(4), got.Cursor.StreamVersion)

	require.NoError(t, s.Unsubscribe(ctx, "orders-1", name))
	_, err = s.Query(ctx, "orders-1", name)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestIntegration_ConcurrentSubscribesConverge(t *testing.T) {
	ctx := context.Background()
	s := checkpointpg.New(testPool)
	name := uniqueName()

	const racers = 8
	results := make([]checkpoint.Checkpoint, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			cp, err := s.Subscribe(ctx, "orders-1", name, event.Cursor{EventNumber: int64(i)})
			if err != nil {
				t.Errorf("racer %d: %v", i, err)
				return
			}
			results[i] = cp
		}(i)
	}
	wg.Wait()

	// Every racer observes the same durable row, whoever won the insert.
	for i := 1; i < racers; i++ {
		assert.Equal(t, results[0].ID, results[i].ID)
		assert.Equal(t, results[0].Cursor, results[i].Cursor)
	}

	require.NoError(t, s.Unsubscribe(ctx, "orders-1", name))
}

func TestIntegration_UnsubscribeAbsentRowIsNoError(t *testing.T) {
	ctx := context.Background()
	s := checkpointpg.New(testPool)
	require.NoError(t, s.Unsubscribe(ctx, "orders-1", uniqueName()))
}
