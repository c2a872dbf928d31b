package allocation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/davidleathers/leadflow-engine/internal/domain/values"
)

func TestAllocationLifecycle(t *testing.T) {
	a := New(uuid.New(), uuid.New(), values.MustNewMoneyFromFloat(150, values.USD), time.Minute)

	assert.Equal(t, StatusPending, a.Status)
	assert.False(t, a.Status.IsTerminal())
	assert.Nil(t, a.DeliveredAt)

	a.MarkDelivered()
	assert.Equal(t, StatusDelivered, a.Status)
	assert.NotNil(t, a.DeliveredAt)

	a.Accept()
	assert.Equal(t, StatusAccepted, a.Status)
	assert.True(t, a.Status.IsTerminal())
	assert.NotNil(t, a.ResolvedAt)
}

func TestAllocationExpiry(t *testing.T) {
	a := New(uuid.New(), uuid.New(), values.MustNewMoneyFromFloat(10, values.USD), time.Minute)

	assert.False(t, a.IsExpired(a.CreatedAt.Add(30*time.Second)))
	assert.True(t, a.IsExpired(a.CreatedAt.Add(2*time.Minute)))

	a.MarkDelivered()
	assert.False(t, a.IsExpired(a.CreatedAt.Add(2*time.Minute)),
		"delivered allocations never expire")
}
