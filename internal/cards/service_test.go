package cards

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/commerce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOrderSource struct {
	orders      []commerce.Order
	fetchErr    error
	detail      map[string]commerce.Order
	lastOptions commerce.FetchOptions
	calls       int
}

func (s *stubOrderSource) FetchOrders(_ context.Context, opts commerce.FetchOptions) ([]commerce.Order, error) {
	s.calls++
	s.lastOptions = opts
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.orders, nil
}

func (s *stubOrderSource) FetchOrder(_ context.Context, orderID string) (commerce.Order, error) {
	order, ok := s.detail[orderID]
	if !ok {
		return commerce.Order{}, commerce.ErrOrderNotFound
	}
	return order, nil
}

type staticLabels []Label

func (labels staticLabels) Labels(context.Context, TenantID) ([]Label, error) {
	return labels, nil
}

func fixtureOrders(t *testing.T) []commerce.Order {
	t.Helper()
	return []commerce.Order{
		decodeOrder(t, `{"id": 5001, "name": "#5001", "tags": "VIP, 27/06/2025", "line_items": [
			{"id": 11, "product_id": 100, "title": "Rose Bouquet", "quantity": 3},
			{"id": 12, "product_id": 200, "title": "Card", "quantity": 1}
		]}`),
		decodeOrder(t, `{"id": 5002, "name": "#5002", "tags": "28/06/2025", "line_items": [
			{"id": 21, "product_id": 100, "title": "Rose Bouquet", "quantity": 1}
		]}`),
		decodeOrder(t, `{"id": 5003, "name": "#5003", "tags": "", "line_items": [
			{"id": 31, "product_id": 100, "title": "Rose Bouquet", "quantity": 1}
		]}`),
	}
}

func newTestService(t *testing.T, source *stubOrderSource, usePartial bool) (*Service, *Store, *manualClock) {
	t.Helper()
	store, clock, _ := newTestStore(t)
	service, err := NewService(ServiceConfig{
		Orders: source,
		Labels: staticLabels{
			{TenantID: "tenant-1", ProductID: "200", Category: "Add-On"},
		},
		Store:             store,
		LookbackDays:      30,
		MaxOrders:         250,
		UsePartialResults: usePartial,
		Clock:             clock.Now,
	})
	require.NoError(t, err)
	return service, store, clock
}

func TestClassifyDateBuildsDefinitionsAndSeedsState(t *testing.T) {
	source := &stubOrderSource{orders: fixtureOrders(t)}
	service, store, clock := newTestService(t, source, false)
	ctx := context.Background()

	result, err := service.ClassifyDate(ctx, testTenant, " 27/06/2025 ")
	require.NoError(t, err)
	assert.Equal(t, "27/06/2025", result.DeliveryDate)
	assert.False(t, result.Partial)
	require.Len(t, result.Definitions, 3)
	assert.Len(t, result.CreatedCardIDs, 3)
	for _, definition := range result.Definitions {
		assert.Equal(t, "5001", definition.OrderID)
		require.Len(t, definition.AddOns, 1)
	}

	assert.Equal(t, "any", source.lastOptions.Status)
	assert.Equal(t, 250, source.lastOptions.MaxTotal)
	require.NotNil(t, source.lastOptions.CreatedAtMin)
	assert.Equal(t, clock.Now().Add(-30*24*time.Hour), *source.lastOptions.CreatedAtMin)

	states, err := store.ListSince(ctx, testTenant, "27/06/2025", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"5001-11-0", "5001-11-1", "5001-11-2"}, cardIDsOf(states))

	again, err := service.ClassifyDate(ctx, testTenant, "27/06/2025")
	require.NoError(t, err)
	assert.Len(t, again.Definitions, 3)
	assert.Empty(t, again.CreatedCardIDs)
}

func TestClassifyDateReturnsEmptyWhenNothingMatches(t *testing.T) {
	source := &stubOrderSource{orders: fixtureOrders(t)}
	service, _, _ := newTestService(t, source, false)

	result, err := service.ClassifyDate(context.Background(), testTenant, "01/01/2030")
	require.NoError(t, err)
	assert.NotNil(t, result.Definitions)
	assert.Empty(t, result.Definitions)
}

func TestClassifyDateRejectsMalformedDate(t *testing.T) {
	source := &stubOrderSource{}
	service, _, _ := newTestService(t, source, false)

	_, err := service.ClassifyDate(context.Background(), testTenant, "2025-06-27")
	assert.ErrorIs(t, err, ErrInvalidDeliveryDate)
	assert.Zero(t, source.calls)
}

func TestClassifyDateSurfacesFetchFailure(t *testing.T) {
	source := &stubOrderSource{fetchErr: &commerce.FetchError{
		Page:    2,
		Partial: fixtureOrders(t),
		Err:     &commerce.StatusError{StatusCode: 502, Body: "bad gateway"},
	}}
	service, store, _ := newTestService(t, source, false)

	_, err := service.ClassifyDate(context.Background(), testTenant, "27/06/2025")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamFetch)
	assert.ErrorIs(t, err, commerce.ErrUpstreamUnavailable)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "cards.classify_date.fetch_failed", serviceErr.Code())

	states, listErr := store.ListSince(context.Background(), testTenant, "27/06/2025", nil)
	require.NoError(t, listErr)
	assert.Empty(t, states)
}

func TestClassifyDateReportsRateLimitExhaustion(t *testing.T) {
	source := &stubOrderSource{fetchErr: &commerce.FetchError{Page: 1, Err: commerce.ErrRateLimited}}
	service, _, _ := newTestService(t, source, true)

	_, err := service.ClassifyDate(context.Background(), testTenant, "27/06/2025")
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "cards.classify_date.rate_limited", serviceErr.Code())
	assert.ErrorIs(t, err, commerce.ErrRateLimited)
}

func TestClassifyDateUsesPartialResultsWhenConfigured(t *testing.T) {
	source := &stubOrderSource{fetchErr: &commerce.FetchError{
		Page:    3,
		Partial: fixtureOrders(t)[:1],
		Err:     &commerce.StatusError{StatusCode: 500, Body: "boom"},
	}}
	service, _, _ := newTestService(t, source, true)

	result, err := service.ClassifyDate(context.Background(), testTenant, "27/06/2025")
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Len(t, result.Definitions, 3)
}

func TestClassifyOrderUsesDetailLookup(t *testing.T) {
	orders := fixtureOrders(t)
	source := &stubOrderSource{detail: map[string]commerce.Order{"5002": orders[1], "5003": orders[2]}}
	service, _, _ := newTestService(t, source, false)
	ctx := context.Background()

	result, err := service.ClassifyOrder(ctx, testTenant, "5002")
	require.NoError(t, err)
	assert.Equal(t, "28/06/2025", result.DeliveryDate)
	require.Len(t, result.Definitions, 1)
	assert.Equal(t, CardID("5002-21-0"), result.Definitions[0].CardID)

	undated, err := service.ClassifyOrder(ctx, testTenant, "5003")
	require.NoError(t, err)
	assert.Empty(t, undated.Definitions)

	_, err = service.ClassifyOrder(ctx, testTenant, "404")
	assert.ErrorIs(t, err, commerce.ErrOrderNotFound)
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := NewService(ServiceConfig{Labels: staticLabels{}, Store: store})
	assert.ErrorIs(t, err, errMissingOrderSource)
	_, err = NewService(ServiceConfig{Orders: &stubOrderSource{}, Store: store})
	assert.ErrorIs(t, err, errMissingLabelSource)
	_, err = NewService(ServiceConfig{Orders: &stubOrderSource{}, Labels: staticLabels{}})
	assert.ErrorIs(t, err, errMissingStore)
}
