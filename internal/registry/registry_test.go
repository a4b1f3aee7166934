package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ppiankov/wardwatch/internal/model"
	"github.com/ppiankov/wardwatch/internal/store"
	"github.com/ppiankov/wardwatch/internal/store/storetest"
)

func seeded(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	north := storetest.Ward("north", 0)
	north.Name = "Karol Bagh"
	south := storetest.Ward("south", 5000)
	south.Name = "Saket"

	a := storetest.Worker("a", "north", 0)
	a.Name, a.IntegrityScore = "Asha Verma", 91
	b := storetest.Worker("b", "south", 0)
	b.Name, b.IntegrityScore = "Bilal Khan", 72
	c := storetest.Worker("c", "north", 0)
	c.Name, c.IntegrityScore, c.PingActive = "Chitra Rao", 85, true
	boss := storetest.Worker("s", "north", 0)
	boss.Name, boss.Role = "Sunil", model.RoleSupervisor

	storetest.Seed(t, st, []model.Ward{north, south}, []model.Worker{a, b, c, boss})
	return New(st), st
}

func TestListOrdersByScore(t *testing.T) {
	r, _ := seeded(t)
	rows, err := r.List(context.Background(), "", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3, "supervisors are not listed")
	require.Equal(t, []string{"a", "c", "b"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
	require.Equal(t, "Karol Bagh", rows[0].WardName)
}

func TestListSearchesNameAndWard(t *testing.T) {
	r, _ := seeded(t)

	rows, err := r.List(context.Background(), "bilal", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].ID)

	rows, err = r.List(context.Background(), "KAROL", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = r.List(context.Background(), "nobody", 0, 0)
	require.NoError(t, err)
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestListPaginates(t *testing.T) {
	r, _ := seeded(t)
	rows, err := r.List(context.Background(), "", 1, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "c", rows[0].ID)

	_, err = r.List(context.Background(), "", -1, 0)
	require.True(t, errors.Is(err, model.ErrValidation))
}

func TestStats(t *testing.T) {
	r, _ := seeded(t)
	s, err := r.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.Stats{TotalWorkforce: 3, AwaitingResponse: 1}, s)
}

func TestDetail(t *testing.T) {
	r, st := seeded(t)
	sent := storetest.Epoch.Add(-time.Minute)
	err := st.UpdateWorker(context.Background(), "c", func(tx store.Tx, w *model.Worker) error {
		return tx.PutChallenge(model.NewChallenge("ch-1", "c", sent))
	})
	require.NoError(t, err)

	d, err := r.Detail(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, "Chitra Rao", d.Worker.Name)
	require.NotNil(t, d.Ward)
	require.Equal(t, "Karol Bagh", d.Ward.Name)
	require.NotNil(t, d.PingStartedAt)
	require.True(t, d.PingStartedAt.Equal(sent))
	require.NotNil(t, d.Recent)

	_, err = r.Detail(context.Background(), "ghost")
	require.True(t, errors.Is(err, model.ErrNotFound))
}
