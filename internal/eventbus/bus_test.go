package eventbus

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func recorder(log *[]string, name string) Handler {
	return func(_ context.Context, _ Event) error {
		*log = append(*log, name)
		return nil
	}
}

func TestPublish_SubscriptionOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(TopicCartUpdated, recorder(&got, "a"))
	b.Subscribe(TopicCartUpdated, recorder(&got, "b"))
	b.Subscribe(TopicCartUpdated, recorder(&got, "c"))

	require.NoError(t, b.Publish(context.Background(), TopicCartUpdated, nil))
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPublish_TopicsAreIndependent(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(TopicCartUpdated, recorder(&got, "cart"))
	b.Subscribe(TopicPricingUpdated, recorder(&got, "pricing"))

	require.NoError(t, b.Publish(context.Background(), TopicPricingUpdated, "x"))
	assert.Equal(t, []string{"pricing"}, got)
}

func TestPublish_PayloadDelivered(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe(TopicPricingUpdated, func(_ context.Context, ev Event) error {
		got = ev
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), TopicPricingUpdated, 42))
	assert.Equal(t, TopicPricingUpdated, got.Topic)
	assert.Equal(t, 42, got.Payload)
}

func TestPublish_IsolatesFailingHandlers(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(TopicCartUpdated, recorder(&got, "first"))
	b.Subscribe(TopicCartUpdated, func(_ context.Context, _ Event) error {
		return errors.New("render failed")
	})
	b.Subscribe(TopicCartUpdated, func(_ context.Context, _ Event) error {
		panic("boom")
	})
	b.Subscribe(TopicCartUpdated, recorder(&got, "last"))

	err := b.Publish(context.Background(), TopicCartUpdated, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"first", "last"}, got)

	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "render failed")

	var pe *PanicError
	require.ErrorAs(t, errs[1], &pe)
	assert.Equal(t, "boom", pe.Value)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	var got []string
	unsubA := b.Subscribe(TopicCartUpdated, recorder(&got, "a"))
	b.Subscribe(TopicCartUpdated, recorder(&got, "b"))

	unsubA()
	unsubA()

	require.NoError(t, b.Publish(context.Background(), TopicCartUpdated, nil))
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, 1, b.Subscribers(TopicCartUpdated))
}

func TestPublish_ReentrantHandlers(t *testing.T) {
	b := New()
	var got []string

	var unsub func()
	unsub = b.Subscribe(TopicCartUpdated, func(ctx context.Context, _ Event) error {
		got = append(got, "self-removing")
		unsub()
		b.Subscribe(TopicCartUpdated, recorder(&got, "late"))
		return b.Publish(ctx, TopicPricingUpdated, nil)
	})
	b.Subscribe(TopicPricingUpdated, recorder(&got, "pricing"))

	require.NoError(t, b.Publish(context.Background(), TopicCartUpdated, nil))
	// The subscriber added during dispatch is not part of this cycle.
	assert.Equal(t, []string{"self-removing", "pricing"}, got)

	got = nil
	require.NoError(t, b.Publish(context.Background(), TopicCartUpdated, nil))
	assert.Equal(t, []string{"late"}, got)
}
