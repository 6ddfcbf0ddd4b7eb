package infrastructure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/service/order/domain"
)

func TestOrderMapperRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o := &domain.Order{
		ID:          "o1",
		ItemVariant: "chocolate",
		Phase:       domain.PhaseDone,
		Message:     "order completed",
		Progress:    1,
		Result:      map[string]any{"delivered": true},
		Metadata:    map[string]string{"table": "7"},
		Seq:         4,
		CreatedAt:   now,
		UpdatedAt:   now.Add(time.Minute),
	}

	model, err := FromDomainOrder(o)
	require.NoError(t, err)
	assert.Equal(t, "DONE", model.Phase)
	assert.JSONEq(t, `{"delivered":true}`, model.Result)
	assert.Equal(t, "fulfillment_orders", model.TableName())

	back, err := ToDomainOrder(model)
	require.NoError(t, err)
	assert.Equal(t, o, back)
}

func TestOrderMapperEmptyMaps(t *testing.T) {
	model, err := FromDomainOrder(&domain.Order{ID: "o2", Phase: domain.PhaseCanceled})
	require.NoError(t, err)
	assert.Empty(t, model.Result)
	assert.Empty(t, model.Metadata)

	back, err := ToDomainOrder(model)
	require.NoError(t, err)
	assert.Nil(t, back.Result)
	assert.Nil(t, back.Metadata)
}

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("robot:secret@tcp(db:3306)/fulfillment")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "tcp(db:3306)/fulfillment")

	_, err = NormalizeDSN("not a dsn")
	assert.Error(t, err)
}
