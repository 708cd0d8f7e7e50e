package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// newTestStore connects to SHOOT_TEST_DATABASE_URL, migrates and empties
// the ledger tables.
func newTestStore(t *testing.T) *LedgerStore {
	t.Helper()
	dsn := os.Getenv("SHOOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SHOOT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	client, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.RunMigrations(ctx))
	_, err = client.Pool().Exec(ctx, `TRUNCATE ledger_accounts, ledger_computations, ledger_events`)
	require.NoError(t, err)
	return NewLedgerStore(client.Pool())
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/ledger?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "ledger", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestLedgerStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pool := domain.Pool{Address: domain.PoolAddress("main"), Name: "main"}

	require.NoError(t, s.Apply(ctx, func(tx domain.LedgerTx) error {
		return tx.PutPool(ctx, pool)
	}))
	require.NoError(t, s.View(ctx, func(tx domain.LedgerTx) error {
		got, err := tx.Pool(ctx, pool.Address)
		require.NoError(t, err)
		assert.Equal(t, "main", got.Name)

		_, err = tx.Pool(ctx, domain.PoolAddress("other"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestLedgerStoreRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Apply(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.PutPool(ctx, domain.Pool{Address: domain.PoolAddress("main"), Name: "main"}))
		require.NoError(t, tx.AppendEvent(ctx, &domain.Event{ID: "e1", Type: domain.EventAddLiquidity, Time: time.Now()}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.Pool(ctx, domain.PoolAddress("main"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		events, err := tx.Events(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	}))
}

func TestLedgerStoreViewIsReadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.View(ctx, func(tx domain.LedgerTx) error {
		return tx.PutPool(ctx, domain.Pool{Address: domain.PoolAddress("main")})
	})
	require.Error(t, err)
}

func TestLedgerStoreEventsAreSequenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		e := domain.Event{ID: id, Type: domain.EventComputationQueued, Offset: uint64(i + 1), Time: time.Now().UTC()}
		require.NoError(t, s.Apply(ctx, func(tx domain.LedgerTx) error {
			return tx.AppendEvent(ctx, &e)
		}))
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	require.NoError(t, s.View(ctx, func(tx domain.LedgerTx) error {
		events, err := tx.Events(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "b", events[0].ID)

		events, err = tx.Events(ctx, 0, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "a", events[0].ID)
		return nil
	}))
}

func TestLedgerStorePendingComputationsAndOwners(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := domain.DerivePubkey([]byte("owner"))
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Apply(ctx, func(tx domain.LedgerTx) error {
		for i, status := range []domain.ComputationStatus{domain.StatusPending, domain.StatusFinalized, domain.StatusPending} {
			if err := tx.PutComputation(ctx, domain.Computation{
				Offset:      uint64(10 - i),
				Status:      status,
				SubmittedAt: t0.Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		for i := 0; i < 2; i++ {
			if err := tx.PutPosition(ctx, domain.Position{
				Address:  domain.DerivePubkey([]byte{byte(i)}),
				Owner:    owner,
				OpenTime: t0.Add(-time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx domain.LedgerTx) error {
		pending, err := tx.PendingComputations(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, uint64(10), pending[0].Offset)
		assert.Equal(t, uint64(8), pending[1].Offset)

		positions, err := tx.PositionsByOwner(ctx, owner)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.True(t, positions[0].OpenTime.Before(positions[1].OpenTime))
		return nil
	}))
}
