package stagegate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payroll/mssqltest"
	"payroll/requestctx"
	"payroll/router"
)

func TestSQLServerConcurrentTransitionOneWinner(t *testing.T) {
	db, catalog := mssqltest.NewServer(t, 6, mssqltest.SeedMarker(DefaultMarkerType, int(PersonnelReconciled)), "officers")
	r, err := router.New(db, catalog, router.Config{})
	require.NoError(t, err)
	gate := New(r)

	ctx := requestctx.WithSession(context.Background(), "NN1")
	_, err = r.ResolveTenant(ctx, "officers")
	require.NoError(t, err)

	const callers = 12
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = gate.Transition(ctx, PersonnelReconciled, InputVariablesReconciled, "clerk")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		var conflict *ConflictError
		if err == nil {
			wins++
			continue
		}
		require.True(t, errors.As(err, &conflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	marker, err := gate.ReadMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, InputVariablesReconciled, marker.Stage)
	assert.Equal(t, "clerk", marker.LastUpdatedBy)
	assert.Equal(t, 0, r.Stats().InUse)
}

func TestSQLServerTenantsDoNotShareSelection(t *testing.T) {
	db, catalog := mssqltest.NewServer(t, 2, mssqltest.SeedMarker(DefaultMarkerType, int(EntryClosed)), "officers", "ratings")
	r, err := router.New(db, catalog, router.Config{})
	require.NoError(t, err)
	gate := New(r)

	officers := requestctx.WithSession(context.Background(), "officer-clerk")
	ratings := requestctx.WithSession(context.Background(), "ratings-clerk")
	_, err = r.ResolveTenant(officers, "officers")
	require.NoError(t, err)
	_, err = r.ResolveTenant(ratings, "ratings")
	require.NoError(t, err)

	require.NoError(t, gate.Recall(ratings, "ratings-clerk"))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			marker, err := gate.ReadMarker(officers)
			if assert.NoError(t, err) {
				assert.Equal(t, EntryClosed, marker.Stage)
			}
		}()
		go func() {
			defer wg.Done()
			marker, err := gate.ReadMarker(ratings)
			if assert.NoError(t, err) {
				assert.Equal(t, Open, marker.Stage)
			}
		}()
	}
	wg.Wait()
}
