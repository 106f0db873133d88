package requestctx

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payroll/tenant"
)

func TestWithIdentitySetsSession(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{ActorID: " NN1234 ", ActorDisplayName: "Lt. Okafor", TenantHint: "officers"})

	identity, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "officers", identity.TenantHint)

	sessionID, ok := SessionID(ctx)
	require.True(t, ok)
	assert.Equal(t, "NN1234", sessionID)
	assert.Equal(t, "Lt. Okafor", Actor(ctx))
}

func TestActorFallsBackToID(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{ActorID: "NN1234"})
	assert.Equal(t, "NN1234", Actor(ctx))
	assert.Equal(t, "", Actor(context.Background()))
}

func TestEmptyActorHasNoSession(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{ActorDisplayName: "anonymous"})
	_, ok := SessionID(ctx)
	assert.False(t, ok)
}

func TestTenantPin(t *testing.T) {
	_, ok := TenantFrom(context.Background())
	assert.False(t, ok)

	db := tenant.Database{ID: "officers", PhysicalName: "PAYROLL_OFFICERS", Active: true}
	got, ok := TenantFrom(WithTenant(context.Background(), db))
	require.True(t, ok)
	assert.Equal(t, db.ID, got.ID)
}

func TestRequestIDGeneratedWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	_, err := uuid.Parse(RequestID(ctx))
	require.NoError(t, err)

	ctx = WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestID(ctx))
}

// Each goroutine derives its own context; values never leak between them.
func TestSessionsIsolatedAcrossGoroutines(t *testing.T) {
	root := context.Background()
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := uuid.NewString()
			ctx := WithSession(root, want)
			got, _ := SessionID(ctx)
			if got != want {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)
	for got := range errs {
		t.Errorf("unexpected session id %q", got)
	}
	_, ok := SessionID(root)
	assert.False(t, ok)
}
