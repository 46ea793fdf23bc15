package broker

import (
	"context"
	"fmt"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// stubBroker fails PlaceOrder with the queued errors before succeeding.
type stubBroker struct {
	placeErrs []error
	placed    int
	orders    []Order
}

func (s *stubBroker) PlaceOrder(ctx context.Context, variety string, params OrderParams) (string, error) {
	s.placed++
	if len(s.placeErrs) > 0 {
		err := s.placeErrs[0]
		s.placeErrs = s.placeErrs[1:]
		return "", err
	}
	return fmt.Sprintf("ORD-%d", s.placed), nil
}

func (s *stubBroker) ModifyOrder(ctx context.Context, variety, orderID string, params ModifyParams) error {
	return nil
}
func (s *stubBroker) CancelOrder(ctx context.Context, variety, orderID string) error { return nil }
func (s *stubBroker) GetOrders(ctx context.Context) ([]Order, error)                 { return s.orders, nil }
func (s *stubBroker) GetOrderHistory(ctx context.Context, orderID string) ([]Order, error) {
	return nil, nil
}
func (s *stubBroker) GetPositions(ctx context.Context) (*Positions, error) { return &Positions{}, nil }
func (s *stubBroker) GetQuote(ctx context.Context, keys ...string) (map[string]Quote, error) {
	return nil, nil
}
func (s *stubBroker) GetLTP(ctx context.Context, keys ...string) (map[string]float64, error) {
	return nil, nil
}
func (s *stubBroker) ConvertPosition(ctx context.Context, params ConvertParams) error { return nil }

func newTestPlacer(t *testing.T, b *stubBroker) *Placer {
	t.Helper()
	return NewPlacer(b, log.New(testWriter{t}, "", 0), RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		TagLookback:    10 * time.Minute,
	})
}

func TestPlaceRequiresTag(t *testing.T) {
	p := newTestPlacer(t, &stubBroker{})
	_, err := p.Place(context.Background(), VarietyRegular, OrderParams{})
	assert.ErrorContains(t, err, "tag is required")
}

func TestPlaceSucceedsFirstAttempt(t *testing.T) {
	b := &stubBroker{}
	p := newTestPlacer(t, b)

	id, err := p.Place(context.Background(), VarietyRegular, OrderParams{Tag: "T1E"})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", id)
	assert.Equal(t, 1, b.placed)
}

func TestPlaceRetriesTransientFailures(t *testing.T) {
	b := &stubBroker{placeErrs: []error{
		Classify(502, "", "bad gateway"),
		Classify(429, "", "too many requests"),
	}}
	p := newTestPlacer(t, b)

	id, err := p.Place(context.Background(), VarietyRegular, OrderParams{Tag: "T1E"})
	require.NoError(t, err)
	assert.Equal(t, "ORD-3", id)
	assert.Equal(t, 3, b.placed)
}

func TestPlaceDedupsByTagAfterAmbiguousFailure(t *testing.T) {
	// The first request times out but actually lands at the broker. The
	// retry must find it by tag instead of placing a duplicate.
	b := &stubBroker{
		placeErrs: []error{Classify(504, "", "gateway timeout")},
		orders:    []Order{{OrderID: "ZX-42", Tag: "T1E", Status: StatusOpen}},
	}
	p := newTestPlacer(t, b)

	id, err := p.Place(context.Background(), VarietyRegular, OrderParams{Tag: "T1E"})
	require.NoError(t, err)
	assert.Equal(t, "ZX-42", id)
	assert.Equal(t, 1, b.placed)
}

func TestPlaceDedupIgnoresRejectedOrders(t *testing.T) {
	b := &stubBroker{
		placeErrs: []error{Classify(504, "", "gateway timeout")},
		orders:    []Order{{OrderID: "ZX-42", Tag: "T1E", Status: StatusRejected}},
	}
	p := newTestPlacer(t, b)

	id, err := p.Place(context.Background(), VarietyRegular, OrderParams{Tag: "T1E"})
	require.NoError(t, err)
	assert.Equal(t, "ORD-2", id)
	assert.Equal(t, 2, b.placed)
}

func TestPlaceStopsOnSemanticRejection(t *testing.T) {
	b := &stubBroker{placeErrs: []error{
		Classify(400, "InputException", "Insufficient funds. Required margin is 54000.00"),
	}}
	p := newTestPlacer(t, b)

	_, err := p.Place(context.Background(), VarietyRegular, OrderParams{Tag: "T1E"})
	require.Error(t, err)
	assert.Equal(t, KindRMSMargin, KindOf(err))
	assert.Equal(t, 1, b.placed)
}

func TestFindRecentOrderByTagHonorsLookback(t *testing.T) {
	now := time.Date(2026, 2, 10, 10, 30, 0, 0, time.UTC)
	b := &stubBroker{orders: []Order{
		{OrderID: "OLD-1", Tag: "T1E", Status: StatusComplete,
			OrderTimestamp: Time{now.Add(-time.Hour)}},
	}}
	p := newTestPlacer(t, b)
	p.now = func() time.Time { return now }

	found, err := p.FindRecentOrderByTag(context.Background(), "T1E")
	require.NoError(t, err)
	assert.Nil(t, found)

	b.orders = append(b.orders, Order{OrderID: "NEW-1", Tag: "T1E", Status: StatusComplete,
		OrderTimestamp: Time{now.Add(-time.Minute)}})
	found, err = p.FindRecentOrderByTag(context.Background(), "T1E")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "NEW-1", found.OrderID)
}
