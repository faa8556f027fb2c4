package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mr
}

func TestNewService_ConnectionFailure(t *testing.T) {
	_, err := NewService("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestSetOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetAdd(ctx, "online", "anna"))
	require.NoError(t, svc.SetAdd(ctx, "online", "ben"))
	// Adding the same member twice keeps set semantics.
	require.NoError(t, svc.SetAdd(ctx, "online", "anna"))

	members, err := svc.SetMembers(ctx, "online")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anna", "ben"}, members)

	require.NoError(t, svc.SetRem(ctx, "online", "anna"))
	members, err = svc.SetMembers(ctx, "online")
	require.NoError(t, err)
	assert.Equal(t, []string{"ben"}, members)
}

func TestPing(t *testing.T) {
	svc, mr := newTestService(t)
	require.NoError(t, svc.Ping(context.Background()))

	mr.Close()
	assert.Error(t, svc.Ping(context.Background()))
}
