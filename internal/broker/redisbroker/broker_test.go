package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/seantiz/sieve/internal/broker"
	"github.com/seantiz/sieve/internal/codec"
	"github.com/seantiz/sieve/internal/model"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestBroker(t *testing.T, client *goredis.Client, opts ...Option) *Broker {
	t.Helper()
	opts = append([]Option{WithBlock(50 * time.Millisecond), WithKeyPrefix("test")}, opts...)
	b, err := New(context.Background(), client, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func nextTask(t *testing.T, b *Broker) *broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := b.NextTask(ctx)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	return d
}

func TestPublishAndConsumeTask(t *testing.T) {
	_, client := newTestClient(t)
	b := newTestBroker(t, client)
	ctx := context.Background()

	in := model.Task{CorrelationID: "c1", Query: "cats", ReplyTo: "gw-1", SubmittedAt: time.Now().UTC()}
	if err := b.PublishTask(ctx, in); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}

	d := nextTask(t, b)
	if d.Task.CorrelationID != "c1" || d.Task.Query != "cats" || d.Task.ReplyTo != "gw-1" {
		t.Fatalf("unexpected task: %+v", d.Task)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	n, err := client.XLen(ctx, b.streamKey()).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stream length after ack = %d, want 0", n)
	}
}

func TestEachTaskGoesToOneConsumer(t *testing.T) {
	_, client := newTestClient(t)
	w1 := newTestBroker(t, client, WithInstanceID("w1"))
	w2 := newTestBroker(t, client, WithInstanceID("w2"))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := w1.PublishTask(ctx, model.Task{CorrelationID: id, Query: id}); err != nil {
			t.Fatal(err)
		}
	}

	d1 := nextTask(t, w1)
	d2 := nextTask(t, w2)
	if d1.Task.CorrelationID == d2.Task.CorrelationID {
		t.Fatalf("both consumers received %q", d1.Task.CorrelationID)
	}

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := w1.NextTask(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestStaleTaskIsReclaimed(t *testing.T) {
	_, client := newTestClient(t)
	dead := newTestBroker(t, client, WithInstanceID("dead-worker"))
	ctx := context.Background()

	if err := dead.PublishTask(ctx, model.Task{CorrelationID: "c-stale", Query: "cats"}); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}
	// Delivered to the dead worker and never acked.
	nextTask(t, dead)

	time.Sleep(100 * time.Millisecond)
	live := newTestBroker(t, client, WithInstanceID("live-worker"), WithClaimIdle(50*time.Millisecond))
	d := nextTask(t, live)
	if d.Task.CorrelationID != "c-stale" {
		t.Fatalf("reclaimed %q, want c-stale", d.Task.CorrelationID)
	}
	if !d.Redelivered {
		t.Error("reclaimed delivery should be marked redelivered")
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	n, err := client.XLen(ctx, live.streamKey()).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stream length after ack = %d, want 0", n)
	}
}

func TestTouchKeepsTaskWithConsumer(t *testing.T) {
	_, client := newTestClient(t)
	owner := newTestBroker(t, client, WithInstanceID("owner"))
	ctx := context.Background()

	if err := owner.PublishTask(ctx, model.Task{CorrelationID: "c-busy", Query: "cats"}); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}
	d := nextTask(t, owner)
	if d.Redelivered {
		t.Error("first delivery marked redelivered")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := d.Touch(ctx); err != nil {
					t.Errorf("Touch: %v", err)
				}
			}
		}
	})

	other := newTestBroker(t, client, WithInstanceID("other"), WithClaimIdle(100*time.Millisecond))
	rctx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	got, err := other.NextTask(rctx)
	close(stop)
	wg.Wait()
	if err == nil {
		t.Fatalf("touched task was reclaimed: %+v", got.Task)
	}

	pending, err := client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: owner.streamKey(),
		Group:  GroupName,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		t.Fatalf("XPendingExt: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "owner" {
		t.Errorf("pending = %+v, want one entry owned by owner", pending)
	}
}

func TestWithRetry(t *testing.T) {
	_, client := newTestClient(t)

	b := newTestBroker(t, client, WithRetry(250*time.Millisecond, 2*time.Second))
	r := b.newRetry()
	if r.InitialInterval != 250*time.Millisecond || r.MaxInterval != 2*time.Second {
		t.Errorf("retry = %v..%v, want 250ms..2s", r.InitialInterval, r.MaxInterval)
	}
	if r.MaxElapsedTime != 0 {
		t.Errorf("MaxElapsedTime = %v, retries must never give up", r.MaxElapsedTime)
	}

	// Zero values keep the defaults.
	d := newTestBroker(t, client, WithRetry(0, 0))
	if d.retryInitial != defaultRetryInitial || d.retryMax != defaultRetryMax {
		t.Errorf("retry = %v..%v, want defaults", d.retryInitial, d.retryMax)
	}
}

func TestNextTaskHonorsContext(t *testing.T) {
	_, client := newTestClient(t)
	b := newTestBroker(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.NextTask(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUndecodableTaskIsDropped(t *testing.T) {
	_, client := newTestClient(t)
	b := newTestBroker(t, client)
	ctx := context.Background()

	err := client.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.streamKey(),
		Values: map[string]any{"ct": "text/plain", "payload": "garbage"},
	}).Err()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.PublishTask(ctx, model.Task{CorrelationID: "good"}); err != nil {
		t.Fatal(err)
	}

	d := nextTask(t, b)
	if d.Task.CorrelationID != "good" {
		t.Fatalf("got %q, want good", d.Task.CorrelationID)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := client.XLen(ctx, b.streamKey()).Result(); n != 0 {
		t.Errorf("stream length = %d, want 0", n)
	}
}

func TestCodecsInteroperate(t *testing.T) {
	_, client := newTestClient(t)
	cb, err := codec.CBOR()
	if err != nil {
		t.Fatal(err)
	}
	producer := newTestBroker(t, client, WithCodec(cb))
	consumer := newTestBroker(t, client)

	if err := producer.PublishTask(context.Background(), model.Task{CorrelationID: "c", Query: "dogs"}); err != nil {
		t.Fatal(err)
	}
	d := nextTask(t, consumer)
	if d.Task.Query != "dogs" {
		t.Fatalf("query = %q, want dogs", d.Task.Query)
	}
}

func TestRepliesRouteToOwnInstance(t *testing.T) {
	_, client := newTestClient(t)
	gw1 := newTestBroker(t, client, WithInstanceID("gw1"))
	gw2 := newTestBroker(t, client, WithInstanceID("gw2"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1, err := gw1.SubscribeReplies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := gw2.SubscribeReplies(ctx)
	if err != nil {
		t.Fatal(err)
	}

	body := json.RawMessage(`{"hits":1}`)
	if err := gw2.PublishReply(ctx, gw1.ReplyDestination(), model.Reply{CorrelationID: "c1", Body: body}); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-r1:
		if r.CorrelationID != "c1" || string(r.Body) != string(body) {
			t.Fatalf("unexpected reply: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	select {
	case r := <-r2:
		t.Fatalf("gw2 received a reply meant for gw1: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelsReachEverySubscriber(t *testing.T) {
	_, client := newTestClient(t)
	w1 := newTestBroker(t, client, WithInstanceID("w1"))
	w2 := newTestBroker(t, client, WithInstanceID("w2"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, err := w1.SubscribeCancels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := w2.SubscribeCancels(ctx)
	if err != nil {
		t.Fatal(err)
	}

	sig := model.CancellationSignal{CorrelationID: "c9", AnnouncedAt: time.Now().UTC()}
	if err := w1.PublishCancel(ctx, sig); err != nil {
		t.Fatal(err)
	}

	for i, ch := range []<-chan model.CancellationSignal{c1, c2} {
		select {
		case got := <-ch:
			if got.CorrelationID != "c9" {
				t.Errorf("subscriber %d got %q", i, got.CorrelationID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	_, client := newTestClient(t)
	b := newTestBroker(t, client)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.SubscribeCancels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNewIsIdempotent(t *testing.T) {
	_, client := newTestClient(t)
	newTestBroker(t, client)
	newTestBroker(t, client)
}

func TestDialRejectsBadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "not a url"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Dial(context.Background(), "redis://"+mr.Addr(), WithKeyPrefix("dial"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.NextTask(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("NextTask after Close = %v, want ErrClosed", err)
	}
}
