package pricing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-sync/internal/domain/discount"
)

// --- Mock implementations ---

type gatedCall struct {
	in      discount.Input
	ctx     context.Context
	release chan discount.Result
}

// gatedComputer blocks every Compute until the test releases it.
type gatedComputer struct {
	mu          sync.Mutex
	calls       []*gatedCall
	arrived     chan *gatedCall
	invalidated int
}

func newGatedComputer() *gatedComputer {
	return &gatedComputer{arrived: make(chan *gatedCall, 16)}
}

func (g *gatedComputer) Compute(ctx context.Context, in discount.Input) discount.Result {
	c := &gatedCall{in: in, ctx: ctx, release: make(chan discount.Result, 1)}
	g.mu.Lock()
	g.calls = append(g.calls, c)
	g.mu.Unlock()
	g.arrived <- c

	select {
	case r := <-c.release:
		return r
	case <-ctx.Done():
		r := discount.Zero()
		r.Failure = errors.Wrap(ctx.Err(), "calculate discount")
		return r
	}
}

func (g *gatedComputer) Invalidate() {
	g.mu.Lock()
	g.invalidated++
	g.mu.Unlock()
}

func (g *gatedComputer) next(t *testing.T) *gatedCall {
	t.Helper()
	select {
	case c := <-g.arrived:
		return c
	case <-time.After(time.Second):
		t.Fatal("discount computation was not requested")
		return nil
	}
}

func (g *gatedComputer) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// instantComputer answers synchronously with a fixed result.
type instantComputer struct {
	mu     sync.Mutex
	result discount.Result
	inputs []discount.Input
}

func (c *instantComputer) Compute(_ context.Context, in discount.Input) discount.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, in)
	return c.result
}

func authed(t *testing.T, points int64, prices ...string) Inputs {
	t.Helper()
	return Inputs{
		Cart:            cartOf(t, prices...),
		Destination:     india,
		PointsRequested: points,
		PointsAvailable: 100,
		AuthToken:       "tok",
	}
}

// --- Tests ---

func TestEngine_StartsIdle(t *testing.T) {
	e := NewEngine(newCalculator(), newGatedComputer())
	st := e.Status()
	assert.Equal(t, Idle, st.State)
	assert.Zero(t, st.Revision)
}

func TestEngine_GuestIsPricedSynchronously(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)

	e.Recompute(context.Background(), Inputs{
		Cart:            cartOf(t, "3000"),
		Destination:     india,
		PointsRequested: 40,
		PointsAvailable: 100,
	})

	st := e.Status()
	require.Equal(t, Ready, st.State)
	assert.True(t, d("200").Equal(st.Snapshot.ShippingCharge))
	assert.True(t, d("3200").Equal(st.Snapshot.Total))
	assert.True(t, st.Snapshot.DiscountAmount.IsZero())
	assert.Zero(t, st.Points)
	assert.Zero(t, comp.callCount())
}

func TestEngine_ClampsPointsBeforeRequest(t *testing.T) {
	comp := &instantComputer{result: discount.Result{Amount: d("0"), PointsDiscount: d("50")}}
	e := NewEngine(newCalculator(), comp)

	in := authed(t, 80, "3000")
	in.PointsAvailable = 50
	e.Recompute(context.Background(), in)
	e.Wait()

	require.Len(t, comp.inputs, 1)
	assert.Equal(t, int64(50), comp.inputs[0].Points)
	st := e.Status()
	assert.Equal(t, int64(50), st.Points)
	assert.Equal(t, int64(50), st.Snapshot.PointsUsed)
	assert.True(t, d("50").Equal(st.Snapshot.PointsRedeemed))
}

func TestEngine_StaleWhileRevalidate(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 0, "1000"))
	first := comp.next(t)

	st := e.Status()
	require.Equal(t, AwaitingDiscount, st.State)
	// Provisional snapshot keeps the total defined.
	assert.True(t, d("1200").Equal(st.Snapshot.Total))

	first.release <- discount.Result{Amount: d("100")}
	e.Wait()
	require.Equal(t, Ready, e.Status().State)
	assert.True(t, d("1100").Equal(e.Status().Snapshot.Total))

	e.Recompute(ctx, authed(t, 0, "2000"))
	second := comp.next(t)
	st = e.Status()
	require.Equal(t, AwaitingDiscount, st.State)
	// The previous snapshot is still served while the new one is computed.
	assert.True(t, d("1100").Equal(st.Snapshot.Total))

	second.release <- discount.Result{Amount: d("0")}
	e.Wait()
	assert.True(t, d("2200").Equal(e.Status().Snapshot.Total))
}

func TestEngine_StaleResponseIsDropped(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 0, "1000"))
	r1 := comp.next(t)
	e.Recompute(ctx, authed(t, 0, "2000"))
	r2 := comp.next(t)

	// R2 resolves first, then R1 arrives late.
	r2.release <- discount.Result{Amount: d("20")}
	require.Eventually(t, func() bool { return e.Status().State == Ready }, time.Second, time.Millisecond)
	r1.release <- discount.Result{Amount: d("10")}
	e.Wait()

	st := e.Status()
	assert.Equal(t, Ready, st.State)
	assert.True(t, d("2000").Equal(st.Snapshot.Subtotal))
	assert.True(t, d("20").Equal(st.Snapshot.DiscountAmount))
	assert.True(t, d("2180").Equal(st.Snapshot.Total))
}

func TestEngine_StaleResponseIsDroppedWhenItArrivesFirst(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 0, "1000"))
	r1 := comp.next(t)
	e.Recompute(ctx, authed(t, 0, "2000"))
	r2 := comp.next(t)

	r1.release <- discount.Result{Amount: d("10")}
	// Give the stale response time to land.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, AwaitingDiscount, e.Status().State)

	r2.release <- discount.Result{Amount: d("20")}
	e.Wait()
	assert.True(t, d("20").Equal(e.Status().Snapshot.DiscountAmount))
}

func TestEngine_UnchangedTupleDoesNotRefetch(t *testing.T) {
	comp := &instantComputer{result: discount.Result{Amount: d("100")}}
	e := NewEngine(newCalculator(), comp)
	ctx := context.Background()

	in := authed(t, 10, "3000")
	e.Recompute(ctx, in)
	e.Wait()
	rev := e.Status().Revision

	// Same subtotal and points, different destination: shipping only.
	in.Destination = nil
	e.Recompute(ctx, in)
	e.Wait()

	require.Len(t, comp.inputs, 1)
	st := e.Status()
	assert.Equal(t, Ready, st.State)
	assert.Greater(t, st.Revision, rev)
	assert.True(t, d("500").Equal(st.Snapshot.ShippingCharge))
	assert.True(t, d("3400").Equal(st.Snapshot.Total))
}

func TestEngine_PendingTupleIsNotRequestedTwice(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 5, "1000"))
	call := comp.next(t)

	in := authed(t, 5, "1000")
	in.Destination = nil
	e.Recompute(ctx, in)

	call.release <- discount.Result{Amount: d("0")}
	e.Wait()

	assert.Equal(t, 1, comp.callCount())
	// The landing response priced the latest destination.
	assert.True(t, d("500").Equal(e.Status().Snapshot.ShippingCharge))
}

func TestEngine_FailureYieldsZeroDiscountSnapshot(t *testing.T) {
	failed := discount.Zero()
	failed.Failure = errors.New("calculate discount: 503")
	comp := &instantComputer{result: failed}
	e := NewEngine(newCalculator(), comp)

	e.Recompute(context.Background(), authed(t, 10, "3000"))
	e.Wait()

	st := e.Status()
	assert.Equal(t, Ready, st.State)
	assert.True(t, st.Retryable)
	require.Error(t, st.Failure)
	assert.True(t, d("3200").Equal(st.Snapshot.Total))

	// Unchanged inputs reuse the failed result instead of hammering the
	// service.
	e.Recompute(context.Background(), authed(t, 10, "3000"))
	e.Wait()
	assert.Len(t, comp.inputs, 1)
	assert.True(t, e.Status().Retryable)
}

func TestEngine_TimeoutKeepsPreviousSnapshot(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp, WithDiscountTimeout(30*time.Millisecond))
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 0, "1000"))
	comp.next(t).release <- discount.Result{Amount: d("100")}
	e.Wait()

	e.Recompute(ctx, authed(t, 0, "2000"))
	comp.next(t)
	e.Wait()

	st := e.Status()
	assert.Equal(t, AwaitingDiscount, st.State)
	assert.True(t, st.Retryable)
	require.Error(t, st.Failure)
	assert.ErrorIs(t, st.Failure, context.DeadlineExceeded)
	assert.True(t, d("1100").Equal(st.Snapshot.Total))
}

func TestEngine_TimedOutTupleWaitsForRetry(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp, WithDiscountTimeout(30*time.Millisecond))
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 0, "1000"))
	comp.next(t).release <- discount.Result{Amount: d("100")}
	e.Wait()

	e.Recompute(ctx, authed(t, 0, "2000"))
	comp.next(t)
	e.Wait()
	require.True(t, e.Status().Retryable)

	// A sibling view's cart event with the same subtotal.
	e.Recompute(ctx, authed(t, 0, "2000"))
	// Only the destination changes.
	in := authed(t, 0, "2000")
	in.Destination = nil
	e.Recompute(ctx, in)
	e.Wait()

	assert.Equal(t, 2, comp.callCount())
	st := e.Status()
	assert.Equal(t, AwaitingDiscount, st.State)
	assert.True(t, st.Retryable)
	assert.ErrorIs(t, st.Failure, context.DeadlineExceeded)
	assert.True(t, d("500").Equal(st.Snapshot.ShippingCharge))
	assert.True(t, d("1400").Equal(st.Snapshot.Total))

	e.Retry(ctx)
	comp.next(t).release <- discount.Result{Amount: d("100")}
	e.Wait()

	assert.Equal(t, 3, comp.callCount())
	st = e.Status()
	assert.Equal(t, Ready, st.State)
	assert.False(t, st.Retryable)
	assert.True(t, d("2400").Equal(st.Snapshot.Total))
}

func TestEngine_DestinationChangeWhilePendingReprices(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 0, "1000"))
	comp.next(t).release <- discount.Result{Amount: d("100")}
	e.Wait()
	require.True(t, d("200").Equal(e.Status().Snapshot.ShippingCharge))

	e.Recompute(ctx, authed(t, 0, "2000"))
	call := comp.next(t)

	in := authed(t, 0, "2000")
	in.Destination = nil
	e.Recompute(ctx, in)

	st := e.Status()
	assert.Equal(t, AwaitingDiscount, st.State)
	// The last known discount is shown against the new destination.
	assert.True(t, d("500").Equal(st.Snapshot.ShippingCharge))
	assert.True(t, d("1400").Equal(st.Snapshot.Total))

	call.release <- discount.Result{Amount: d("0")}
	e.Wait()
	assert.Equal(t, 2, comp.callCount())
	st = e.Status()
	assert.Equal(t, Ready, st.State)
	assert.True(t, d("500").Equal(st.Snapshot.ShippingCharge))
	assert.True(t, d("2500").Equal(st.Snapshot.Total))
}

func TestEngine_RetryInvalidatesAndRefetches(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)
	ctx := context.Background()

	e.Recompute(ctx, authed(t, 0, "1000"))
	failed := discount.Zero()
	failed.Failure = errors.New("boom")
	comp.next(t).release <- failed
	e.Wait()
	require.True(t, e.Status().Retryable)

	e.Retry(ctx)
	call := comp.next(t)
	assert.Equal(t, 1, comp.invalidated)
	assert.Equal(t, AwaitingDiscount, e.Status().State)

	call.release <- discount.Result{Amount: d("50")}
	e.Wait()
	st := e.Status()
	assert.False(t, st.Retryable)
	assert.NoError(t, st.Failure)
	assert.True(t, d("1150").Equal(st.Snapshot.Total))
}

func TestEngine_FetchOutlivesCallerContext(t *testing.T) {
	comp := newGatedComputer()
	e := NewEngine(newCalculator(), comp)

	ctx, cancel := context.WithCancel(context.Background())
	e.Recompute(ctx, authed(t, 0, "1000"))
	call := comp.next(t)
	cancel()

	call.release <- discount.Result{Amount: d("100")}
	e.Wait()
	assert.True(t, d("100").Equal(e.Status().Snapshot.DiscountAmount))
}

func TestEngine_ListenersSeeIncreasingRevisions(t *testing.T) {
	comp := &instantComputer{result: discount.Result{Amount: d("10")}}
	e := NewEngine(newCalculator(), comp)

	var (
		mu   sync.Mutex
		seen []Status
	)
	remove := e.OnChange(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	e.Recompute(context.Background(), authed(t, 0, "1000"))
	e.Wait()
	remove()
	e.Recompute(context.Background(), authed(t, 0, "1500"))
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, AwaitingDiscount, seen[0].State)
	assert.Equal(t, Ready, seen[1].State)
	assert.Less(t, seen[0].Revision, seen[1].Revision)
}

func TestEngine_SnapshotDoesNotAliasInputs(t *testing.T) {
	comp := &instantComputer{result: discount.Zero()}
	e := NewEngine(newCalculator(), comp)

	in := Inputs{Cart: cartOf(t, "1000")}
	e.Recompute(context.Background(), in)
	in.Cart.Items[0].Quantity = 9

	assert.True(t, d("1000").Equal(e.Status().Snapshot.Subtotal))
}
