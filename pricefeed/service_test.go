package pricefeed_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sljivkov/pricegate/arbiter"
	"github.com/sljivkov/pricegate/attest"
	"github.com/sljivkov/pricegate/chains"
	"github.com/sljivkov/pricegate/domain"
	"github.com/sljivkov/pricegate/fee"
	"github.com/sljivkov/pricegate/pricefeed"
	"github.com/sljivkov/pricegate/store"
	"github.com/sljivkov/pricegate/testutils"
)

var (
	feedAA = common.BytesToHash([]byte{0xAA})
	caller = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type fixture struct {
	service   *pricefeed.Service
	guardians *testutils.Guardians
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, opts ...pricefeed.Option) *fixture {
	t.Helper()

	guardians := testutils.NewGuardians(t, 0, 3)
	verifier, err := attest.NewGuardianVerifier(chains.NewRegistry(testutils.Source), 0, guardians.Set())
	require.NoError(t, err)

	fees, err := fee.NewSchedule(big.NewInt(10))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	opts = append([]pricefeed.Option{pricefeed.WithMetrics(pricefeed.NewMetrics(reg))}, opts...)
	feeds := store.New(store.NewMemoryBackend(), arbiter.PublishTime{})

	return &fixture{
		service:   pricefeed.NewService(verifier, feeds, fees, opts...),
		guardians: guardians,
		registry:  reg,
	}
}

func (f *fixture) batch(t *testing.T, seq uint64, obs ...domain.PriceObservation) []byte {
	return f.guardians.Batch(t, testutils.BatchSpec{Sequence: seq, Observations: obs})
}

func (f *fixture) submit(t *testing.T, batches ...[]byte) (int, error) {
	required, err := f.service.UpdateFee(batches)
	require.NoError(t, err)
	return f.service.UpdatePriceFeeds(context.Background(), caller, batches, required)
}

func TestUnknownFeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.Price(ctx, feedAA)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	_, err = f.service.EMAPrice(ctx, feedAA)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	_, err = f.service.PreviousPrice(ctx, feedAA)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	_, err = f.service.PriceNoOlderThan(ctx, feedAA, time.Hour)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	exists, err := f.service.PriceFeedExists(ctx, feedAA)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFirstObservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n, err := f.submit(t, f.batch(t, 1, testutils.Observation(feedAA, 100, 1, 10)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, err := f.service.Price(ctx, feedAA)
	require.NoError(t, err)
	assert.Equal(t, domain.Price{Price: 100, Conf: 1, Expo: -8, PublishTime: 10}, current)

	previous, err := f.service.PreviousPrice(ctx, feedAA)
	require.NoError(t, err)
	assert.Equal(t, current, previous)

	ema, err := f.service.EMAPrice(ctx, feedAA)
	require.NoError(t, err)
	assert.Equal(t, current, ema)

	exists, err := f.service.PriceFeedExists(ctx, feedAA)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStaleObservationReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.submit(t, f.batch(t, 1, testutils.Observation(feedAA, 100, 1, 10)))
	require.NoError(t, err)

	updates := make(chan domain.PriceFeedUpdate, 4)
	sub := f.service.SubscribeFeedUpdates(updates)
	defer sub.Unsubscribe()

	n, err := f.submit(t, f.batch(t, 2, testutils.Observation(feedAA, 90, 1, 5)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := <-updates
	assert.False(t, ev.Fresh)
	assert.Equal(t, int64(10), ev.PreviousPublishTime)
	assert.Equal(t, int64(5), ev.PublishTime)
	assert.Equal(t, int64(90), ev.Price)

	current, err := f.service.Price(ctx, feedAA)
	require.NoError(t, err)
	assert.Equal(t, int64(100), current.Price)
	assert.Equal(t, int64(10), current.PublishTime)
}

func TestFresherObservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.submit(t, f.batch(t, 1, testutils.Observation(feedAA, 100, 1, 10)))
	require.NoError(t, err)
	_, err = f.submit(t, f.batch(t, 2, testutils.Observation(feedAA, 110, 1, 20)))
	require.NoError(t, err)

	current, err := f.service.Price(ctx, feedAA)
	require.NoError(t, err)
	assert.Equal(t, int64(110), current.Price)
	assert.Equal(t, int64(20), current.PublishTime)

	previous, err := f.service.PreviousPrice(ctx, feedAA)
	require.NoError(t, err)
	assert.Equal(t, int64(100), previous.Price)
	assert.Equal(t, int64(10), previous.PublishTime)
}

func TestInsufficientFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	obs := make([]domain.PriceObservation, 5)
	for i := range obs {
		obs[i] = testutils.Observation(testutils.FeedID(string(rune('A'+i))), 100, 1, 10)
	}
	raw := f.batch(t, 1, obs...)

	required, err := f.service.UpdateFee([][]byte{raw})
	require.NoError(t, err)
	assert.Equal(t, f.service.MinUpdateFee(5), required)

	calls := make(chan domain.UpdatePriceFeeds, 1)
	sub := f.service.SubscribeCallUpdates(calls)
	defer sub.Unsubscribe()

	short := new(big.Int).Sub(f.service.MinUpdateFee(5), big.NewInt(1))
	n, err := f.service.UpdatePriceFeeds(ctx, caller, [][]byte{raw}, short)
	assert.ErrorIs(t, err, domain.ErrInsufficientFee)
	assert.Zero(t, n)

	for _, o := range obs {
		_, err := f.service.Price(ctx, o.FeedID)
		assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	}
	assert.Empty(t, calls)

	_, err = f.service.UpdatePriceFeeds(ctx, caller, [][]byte{raw}, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientFee)

	assert.Equal(t, 2.0, counterValue(t, f.registry, "pricegate_updates_calls_total", "outcome", "insufficient_fee"))
}

func TestRejectedCallCommitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	solana := chains.Solana

	good := f.batch(t, 1, testutils.Observation(feedAA, 100, 1, 10))
	unauthenticated := f.guardians.Batch(t, testutils.BatchSpec{
		Sequence:     2,
		DeclaredFrom: &solana,
		Observations: []domain.PriceObservation{testutils.Observation(testutils.FeedID("ETH"), 1, 1, 1)},
	})
	malformed := append([]byte(nil), good[:len(good)-3]...)
	belowQuorum := f.guardians.Batch(t, testutils.BatchSpec{
		Sequence:     3,
		Observations: []domain.PriceObservation{testutils.Observation(feedAA, 1, 1, 50)},
		Signers:      []int{0},
	})

	tests := []struct {
		name    string
		batches [][]byte
		wantErr error
	}{
		{name: "origin mismatch", batches: [][]byte{good, unauthenticated}, wantErr: domain.ErrUnauthenticatedBatch},
		{name: "below quorum first", batches: [][]byte{belowQuorum, good}, wantErr: domain.ErrUnauthenticatedBatch},
		{name: "malformed", batches: [][]byte{good, malformed}, wantErr: domain.ErrMalformedBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := f.service.UpdatePriceFeeds(ctx, caller, tt.batches, big.NewInt(1_000_000))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, n)

			_, err = f.service.Price(ctx, feedAA)
			assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
		})
	}
}

func TestMixedBatchCommitsFreshObservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	btc, eth := testutils.FeedID("BTC/USD"), testutils.FeedID("ETH/USD")

	_, err := f.submit(t, f.batch(t, 1,
		testutils.Observation(btc, 100, 1, 10),
		testutils.Observation(eth, 200, 1, 10),
	))
	require.NoError(t, err)

	feedCh := make(chan domain.PriceFeedUpdate, 8)
	batchCh := make(chan domain.BatchPriceFeedUpdate, 2)
	callCh := make(chan domain.UpdatePriceFeeds, 1)
	defer f.service.SubscribeFeedUpdates(feedCh).Unsubscribe()
	defer f.service.SubscribeBatchUpdates(batchCh).Unsubscribe()
	defer f.service.SubscribeCallUpdates(callCh).Unsubscribe()

	n, err := f.submit(t,
		f.batch(t, 2,
			testutils.Observation(btc, 101, 1, 11), // fresh
			testutils.Observation(eth, 199, 1, 9),  // stale
			testutils.Observation(btc, 102, 1, 11), // same publish time as the first entry
		),
		f.batch(t, 3, testutils.Observation(eth, 205, 1, 12)),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var fresh []bool
	for i := 0; i < 4; i++ {
		ev := <-feedCh
		fresh = append(fresh, ev.Fresh)
		assert.Equal(t, chains.Pythnet, ev.SourceChainID)
	}
	assert.Equal(t, []bool{true, false, false, true}, fresh)

	assert.Equal(t, domain.BatchPriceFeedUpdate{SourceChainID: chains.Pythnet, Sequence: 2, BatchSize: 3, FreshCount: 1}, <-batchCh)
	assert.Equal(t, domain.BatchPriceFeedUpdate{SourceChainID: chains.Pythnet, Sequence: 3, BatchSize: 1, FreshCount: 1}, <-batchCh)
	assert.Equal(t, domain.UpdatePriceFeeds{Caller: caller, BatchCount: 2}, <-callCh)

	p, err := f.service.Price(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, int64(101), p.Price)

	p, err = f.service.Price(ctx, eth)
	require.NoError(t, err)
	assert.Equal(t, int64(205), p.Price)

	p, err = f.service.PreviousPrice(ctx, eth)
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.Price)

	assert.Equal(t, 4.0, counterValue(t, f.registry, "pricegate_updates_observations_total", "fresh", "true"))
	assert.Equal(t, 2.0, counterValue(t, f.registry, "pricegate_updates_observations_total", "fresh", "false"))
}

func TestResubmittedBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	raw := f.batch(t, 1, testutils.Observation(feedAA, 100, 1, 10))

	_, err := f.submit(t, raw)
	require.NoError(t, err)
	before, err := f.service.Price(ctx, feedAA)
	require.NoError(t, err)

	batchCh := make(chan domain.BatchPriceFeedUpdate, 1)
	defer f.service.SubscribeBatchUpdates(batchCh).Unsubscribe()

	_, err = f.submit(t, raw)
	require.NoError(t, err)
	assert.Equal(t, 0, (<-batchCh).FreshCount)

	after, err := f.service.Price(ctx, feedAA)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPriceNoOlderThan(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_000, 0)
	f := newFixture(t, pricefeed.WithClock(func() time.Time { return now }))

	_, err := f.submit(t, f.batch(t, 1, testutils.Observation(feedAA, 100, 1, 970)))
	require.NoError(t, err)

	p, err := f.service.PriceNoOlderThan(ctx, feedAA, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Price)

	_, err = f.service.PriceNoOlderThan(ctx, feedAA, 29*time.Second)
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	// Previous price is served regardless of age
	now = time.Unix(1_000_000, 0)
	_, err = f.service.PreviousPrice(ctx, feedAA)
	assert.NoError(t, err)
}

func TestUpdateFeeRejectsMalformed(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.UpdateFee([][]byte{{0x01}})
	assert.ErrorIs(t, err, domain.ErrMalformedBatch)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, batch *domain.Batch) error {
	return m.Called(ctx, batch).Error(0)
}

func TestVerifierIsPluggable(t *testing.T) {
	ctx := context.Background()
	guardians := testutils.NewGuardians(t, 0, 1)
	raw := guardians.Batch(t, testutils.BatchSpec{
		Sequence:     1,
		Observations: []domain.PriceObservation{testutils.Observation(feedAA, 100, 1, 10)},
	})

	fees, err := fee.NewSchedule(big.NewInt(0))
	require.NoError(t, err)

	t.Run("accepting verifier", func(t *testing.T) {
		v := new(mockVerifier)
		v.On("Verify", mock.Anything, mock.AnythingOfType("*domain.Batch")).Return(nil).Once()

		s := pricefeed.NewService(v, store.New(store.NewMemoryBackend(), arbiter.PublishTime{}), fees)
		n, err := s.UpdatePriceFeeds(ctx, caller, [][]byte{raw}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		v.AssertExpectations(t)
	})

	t.Run("verifier failure", func(t *testing.T) {
		boom := errors.New("transport unavailable")
		v := new(mockVerifier)
		v.On("Verify", mock.Anything, mock.Anything).Return(boom)

		s := pricefeed.NewService(v, store.New(store.NewMemoryBackend(), arbiter.PublishTime{}), fees)
		_, err := s.UpdatePriceFeeds(ctx, caller, [][]byte{raw}, nil)
		assert.ErrorIs(t, err, boom)

		_, err = s.Price(ctx, feedAA)
		assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	})
}

// counterValue reads one labelled counter from reg
func counterValue(t *testing.T, reg prometheus.Gatherer, name, label, value string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}

	t.Fatalf("metric %s{%s=%q} not found", name, label, value)
	return 0
}

func TestStalledSubscriberDoesNotBlockUpdates(t *testing.T) {
	f := newFixture(t)

	total := pricefeed.SubscriberBacklog + 76
	obs := make([]domain.PriceObservation, total)
	for i := range obs {
		obs[i] = testutils.Observation(testutils.FeedID(fmt.Sprintf("FEED-%d", i)), int64(i), 1, 10)
	}

	stalled := make(chan domain.PriceFeedUpdate)
	sub := f.service.SubscribeFeedUpdates(stalled)
	defer sub.Unsubscribe()

	batches := [][]byte{f.batch(t, 1, obs...)}
	required, err := f.service.UpdateFee(batches)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.UpdatePriceFeeds(context.Background(), caller, batches, required)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("update blocked on a subscriber that does not read")
	}

	// Only the newest backlog of events survives, in order
	for i := total - pricefeed.SubscriberBacklog; i < total; i++ {
		select {
		case ev := <-stalled:
			require.Equal(t, obs[i].FeedID, ev.FeedID, "event %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	select {
	case ev := <-stalled:
		t.Fatalf("unexpected event for %s", ev.FeedID.Hex())
	case <-time.After(50 * time.Millisecond):
	}
}
