package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debaycisse/notification-dispatch/internal/channel"
	"github.com/debaycisse/notification-dispatch/internal/models"
	"github.com/debaycisse/notification-dispatch/pkg/logger"
	"github.com/debaycisse/notification-dispatch/pkg/metrics"
)

// fakeAcknowledger stands in for the broker side of a delivery.
type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}

func (a *fakeAcknowledger) nackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nacks
}

type sentMail struct {
	recipient string
	content   models.RenderedContent
}

// fakeChannel fails the first failCount sends with failErr, then succeeds.
type fakeChannel struct {
	mu        sync.Mutex
	name      models.Channel
	failCount int
	failErr   error
	sends     []sentMail
	attempts  int
}

func (c *fakeChannel) Name() models.Channel { return c.name }

func (c *fakeChannel) Send(ctx context.Context, content models.RenderedContent, n models.Notification) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.failCount {
		return "", c.failErr
	}
	c.sends = append(c.sends, sentMail{recipient: n.Recipient(), content: content})
	return fmt.Sprintf("receipt-%d", c.attempts), nil
}

func (c *fakeChannel) sentTo() []sentMail {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMail(nil), c.sends...)
}

func (c *fakeChannel) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// passthroughResolver returns the message's own content, or a fixed error.
type passthroughResolver struct {
	err error
}

func (r *passthroughResolver) Resolve(ctx context.Context, n models.Notification) (models.RenderedContent, error) {
	if r.err != nil {
		return models.RenderedContent{}, r.err
	}
	subject, body := n.Content()
	return models.RenderedContent{Subject: subject, Body: body}, nil
}

type fakeReporter struct {
	mu          sync.Mutex
	sent        []string
	failed      []string
	deadLetters [][]byte
}

func (r *fakeReporter) Sent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, id)
}

func (r *fakeReporter) Failed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, id)
}

func (r *fakeReporter) DeadLetter(id string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters = append(r.deadLetters, payload)
}

func (r *fakeReporter) snapshot() (sent, failed []string, deadLetters [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...), append([]string(nil), r.failed...), append([][]byte(nil), r.deadLetters...)
}

type publishedMessage struct {
	exchange   string
	routingKey string
	body       []byte
	ttl        time.Duration
}

type fakeRequeuer struct {
	mu        sync.Mutex
	err       error
	published []publishedMessage
}

func (q *fakeRequeuer) PublishExpiring(exchange, routingKey string, body []byte, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, publishedMessage{exchange: exchange, routingKey: routingKey, body: body, ttl: ttl})
	return nil
}

func (q *fakeRequeuer) publishedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

func (q *fakeRequeuer) last() publishedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published[len(q.published)-1]
}

func newTestDispatcher(ch *fakeChannel, resolver ContentResolver, reporter *fakeReporter, requeue *fakeRequeuer, retries *RetryPolicy) (*Dispatcher, *metrics.Collector) {
	collector := metrics.New()
	d := NewDispatcher(
		Config{
			Queue:      "email.queue",
			RetryQueue: "email.retry.queue",
			Workers:    2,
		},
		ch,
		resolver,
		reporter,
		requeue,
		retries,
		nil,
		collector,
		logger.Nop(),
	)
	return d, collector
}

func emailPayload(id string) []byte {
	return []byte(`{"notification_id":"` + id + `","type":"email","to":"a@b.com","subject":"Hi","body":"Hello"}`)
}

func TestDispatcher_DeliversInlineMessage(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail}
	reporter := &fakeReporter{}
	requeue := &fakeRequeuer{}
	d, collector := newTestDispatcher(ch, &passthroughResolver{}, reporter, requeue, NewRetryPolicy(time.Minute, 3, 0))

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: emailPayload("n1")})

	sends := ch.sentTo()
	require.Len(t, sends, 1)
	assert.Equal(t, "a@b.com", sends[0].recipient)
	assert.Equal(t, "Hi", sends[0].content.Subject)
	assert.Equal(t, "Hello", sends[0].content.Body)

	sent, failed, deadLetters := reporter.snapshot()
	assert.Equal(t, []string{"n1"}, sent)
	assert.Empty(t, failed)
	assert.Empty(t, deadLetters)

	assert.Equal(t, 1, ack.ackCount())
	assert.Equal(t, 0, requeue.publishedCount())
	assert.Equal(t, int64(1), collector.Delivered())
}

func TestDispatcher_MalformedMessageAckedAndDropped(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail}
	reporter := &fakeReporter{}
	d, collector := newTestDispatcher(ch, &passthroughResolver{}, reporter, &fakeRequeuer{}, NewRetryPolicy(time.Minute, 3, 0))

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{broken`)})

	assert.Equal(t, 1, ack.ackCount())
	assert.Equal(t, 0, ch.attemptCount())

	sent, failed, _ := reporter.snapshot()
	assert.Empty(t, sent)
	assert.Empty(t, failed)
	assert.Equal(t, int64(1), collector.Malformed())
}

func TestDispatcher_TransientFailureParksOnDelayQueue(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail, failCount: 2, failErr: channel.ErrProviderUnavailable}
	reporter := &fakeReporter{}
	requeue := &fakeRequeuer{}
	d, collector := newTestDispatcher(ch, &passthroughResolver{}, reporter, requeue, NewRetryPolicy(5*time.Minute, 3, 0))

	ack := &fakeAcknowledger{}
	body := emailPayload("n1")
	d.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

	// The payload is parked on the delay queue with the backoff as its TTL
	// and the original acknowledged before the backoff elapses, so a waiting
	// message never occupies a unit of the consumer's prefetch window.
	require.Equal(t, 1, requeue.publishedCount())
	assert.Equal(t, 1, ack.ackCount())

	parked := requeue.last()
	assert.Equal(t, "", parked.exchange)
	assert.Equal(t, "email.retry.queue", parked.routingKey)
	assert.Equal(t, body, parked.body)
	assert.Equal(t, 5*time.Minute, parked.ttl)

	// Second failure doubles the backoff.
	d.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: body})
	require.Equal(t, 2, requeue.publishedCount())
	assert.Equal(t, 10*time.Minute, requeue.last().ttl)

	sent, failed, _ := reporter.snapshot()
	assert.Empty(t, sent)
	assert.Empty(t, failed)
	assert.Equal(t, int64(2), collector.Retried())
}

func TestDispatcher_MessageInBackoffDoesNotBlockOthers(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail, failCount: 1, failErr: channel.ErrProviderUnavailable}
	reporter := &fakeReporter{}
	requeue := &fakeRequeuer{}
	d, _ := newTestDispatcher(ch, &passthroughResolver{}, reporter, requeue, NewRetryPolicy(5*time.Minute, 3, 0))

	ctx := context.Background()
	firstAck := &fakeAcknowledger{}
	d.handle(ctx, amqp.Delivery{Acknowledger: firstAck, DeliveryTag: 1, Body: emailPayload("n1")})

	// n1 is waiting out a five-minute backoff, yet its delivery is already
	// acknowledged and the next message goes straight through.
	assert.Equal(t, 1, firstAck.ackCount())

	secondAck := &fakeAcknowledger{}
	d.handle(ctx, amqp.Delivery{Acknowledger: secondAck, DeliveryTag: 2, Body: emailPayload("n2")})
	assert.Equal(t, 1, secondAck.ackCount())

	sent, _, _ := reporter.snapshot()
	assert.Equal(t, []string{"n2"}, sent)
}

func TestDispatcher_DeadLettersAfterThreeConsecutiveFailures(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail, failCount: 100, failErr: channel.ErrProviderUnavailable}
	reporter := &fakeReporter{}
	requeue := &fakeRequeuer{}
	d, collector := newTestDispatcher(ch, &passthroughResolver{}, reporter, requeue, NewRetryPolicy(time.Millisecond, 3, 0))

	ctx := context.Background()
	body := emailPayload("n1")

	for attempt := 1; attempt <= 2; attempt++ {
		ack := &fakeAcknowledger{}
		d.handle(ctx, amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(attempt), Body: body})
		assert.Equal(t, attempt, requeue.publishedCount())
		assert.Equal(t, 1, ack.ackCount())
	}

	// Third consecutive failure exhausts the budget.
	ack := &fakeAcknowledger{}
	d.handle(ctx, amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: body})

	sent, failed, deadLetters := reporter.snapshot()
	assert.Empty(t, sent)
	assert.Equal(t, []string{"n1"}, failed)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, body, deadLetters[0])

	assert.Equal(t, 1, ack.ackCount())
	assert.Equal(t, 2, requeue.publishedCount()) // no redelivery after dead-lettering
	assert.Equal(t, 3, ch.attemptCount())
	assert.Empty(t, ch.sentTo())
	assert.Equal(t, int64(1), collector.DeadLettered())
}

func TestDispatcher_RejectionDeadLettersWithoutRetryBudget(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail, failCount: 100, failErr: fmt.Errorf("%w: bad address", channel.ErrProviderRejected)}
	reporter := &fakeReporter{}
	requeue := &fakeRequeuer{}
	retries := NewRetryPolicy(time.Minute, 3, 0)
	d, collector := newTestDispatcher(ch, &passthroughResolver{}, reporter, requeue, retries)

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: emailPayload("n1")})

	_, failed, deadLetters := reporter.snapshot()
	assert.Equal(t, []string{"n1"}, failed)
	assert.Len(t, deadLetters, 1)
	assert.Equal(t, 1, ack.ackCount())
	assert.Equal(t, 0, requeue.publishedCount())
	assert.Equal(t, 0, retries.Attempts("n1"))
	assert.Equal(t, int64(1), collector.DeadLettered())
}

func TestDispatcher_ResolverFailureIsRetried(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail}
	reporter := &fakeReporter{}
	requeue := &fakeRequeuer{}
	resolver := &passthroughResolver{err: errors.New("template service unavailable")}
	d, _ := newTestDispatcher(ch, resolver, reporter, requeue, NewRetryPolicy(time.Millisecond, 3, 0))

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: emailPayload("n1")})

	assert.Equal(t, 0, ch.attemptCount())
	assert.Equal(t, 1, requeue.publishedCount())
	assert.Equal(t, 1, ack.ackCount())
}

func TestDispatcher_RequeueFailureReleasesToBroker(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail, failCount: 1, failErr: channel.ErrProviderUnavailable}
	requeue := &fakeRequeuer{err: errors.New("connection closed")}
	d, _ := newTestDispatcher(ch, &passthroughResolver{}, &fakeReporter{}, requeue, NewRetryPolicy(time.Millisecond, 3, 0))

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: emailPayload("n1")})

	assert.Equal(t, 1, ack.nackCount())
	assert.Equal(t, 0, ack.ackCount())
}

func TestDispatcher_ConcurrentFailuresKeepIndependentSchedules(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail, failCount: 100, failErr: channel.ErrProviderUnavailable}
	requeue := &fakeRequeuer{}
	retries := NewRetryPolicy(time.Minute, 3, 0)
	d, _ := newTestDispatcher(ch, &passthroughResolver{}, &fakeReporter{}, requeue, retries)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, id := range []string{"x1", "x2", "x3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			d.handle(ctx, amqp.Delivery{Acknowledger: &fakeAcknowledger{}, DeliveryTag: 1, Body: emailPayload(id)})
		}(id)
	}
	wg.Wait()

	// Each id has exactly one recorded failure; none reached another's state.
	for _, id := range []string{"x1", "x2", "x3"} {
		assert.Equal(t, 1, retries.Attempts(id))
	}
}
