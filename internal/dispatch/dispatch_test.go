package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage/memory"
)

const testSecret = "wh-secret-key"

type dispatchRig struct {
	d         *Dispatcher
	store     *memory.NotificationStore
	endpoints *memory.MerchantEndpointStore
	srv       *httptest.Server
}

func startDispatcher(t *testing.T, handler http.HandlerFunc, tune func(*Options)) *dispatchRig {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rig := &dispatchRig{
		store:     memory.NewNotificationStore(),
		endpoints: memory.NewMerchantEndpointStore(),
		srv:       srv,
	}
	if err := rig.endpoints.Put(context.Background(), &domain.MerchantEndpoint{
		MerchantID:    "merch-1",
		URL:           srv.URL,
		WebhookSecret: []byte(testSecret),
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("register endpoint: %v", err)
	}

	opts := Options{
		Notifications: rig.store,
		Endpoints:     rig.endpoints,
		Workers:       2,
		BaseDelay:     2 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		RescanEvery:   50 * time.Millisecond,
	}
	if tune != nil {
		tune(&opts)
	}
	rig.d = NewDispatcher(opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rig.d.Run(ctx)
	return rig
}

func (r *dispatchRig) waitDeliveryState(t *testing.T, id string, want domain.DeliveryState) *domain.Notification {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := r.store.GetByID(context.Background(), id)
		if err == nil && n.DeliveryState == want {
			return n
		}
		time.Sleep(2 * time.Millisecond)
	}
	n, _ := r.store.GetByID(context.Background(), id)
	t.Fatalf("notification %s never reached %s, still %s", id, want, n.DeliveryState)
	return nil
}

func TestDispatcher_DeliversSignedNotification(t *testing.T) {
	type capture struct {
		body        []byte
		signature   string
		attempt     string
		notifID     string
		contentType string
	}
	got := make(chan capture, 1)
	rig := startDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case got <- capture{
			body:        body,
			signature:   r.Header.Get(HeaderSignature),
			attempt:     r.Header.Get(HeaderAttempt),
			notifID:     r.Header.Get(HeaderNotification),
			contentType: r.Header.Get("Content-Type"),
		}:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}, nil)

	payload := []byte(`{"order_id":"ord-1","state":"CONFIRMED"}`)
	id, err := rig.d.Enqueue(context.Background(), "ord-1", "merch-1", 2, domain.EventPaymentCompleted, payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := rig.waitDeliveryState(t, id, domain.DeliveryDelivered)
	if n.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", n.AttemptCount)
	}
	if n.DeliveredAt == nil {
		t.Error("delivered_at not set")
	}

	c := <-got
	if c.contentType != "application/json" {
		t.Errorf("content type = %q", c.contentType)
	}
	if c.notifID != id {
		t.Errorf("notification header = %q, want %q", c.notifID, id)
	}
	if c.attempt != "1" {
		t.Errorf("attempt header = %q, want 1", c.attempt)
	}
	if !Verify([]byte(testSecret), c.body, c.signature) {
		t.Error("signature does not verify against the delivered body")
	}

	var env struct {
		NotificationID string          `json:"notification_id"`
		OrderID        string          `json:"order_id"`
		EventType      string          `json:"event_type"`
		OccurredAt     string          `json:"occurred_at"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(c.body, &env); err != nil {
		t.Fatalf("body: %v", err)
	}
	if env.NotificationID != id {
		t.Errorf("body notification_id = %s, want %s", env.NotificationID, id)
	}
	if env.OrderID != "ord-1" {
		t.Errorf("body order_id = %s, want ord-1", env.OrderID)
	}
	if env.EventType != domain.EventPaymentCompleted {
		t.Errorf("body event_type = %s, want %s", env.EventType, domain.EventPaymentCompleted)
	}
	if env.OccurredAt == "" {
		t.Error("body occurred_at empty")
	}
	if string(env.Payload) != string(payload) {
		t.Errorf("body payload = %s, want %s", env.Payload, payload)
	}
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	rig := startDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}, nil)

	id, err := rig.d.Enqueue(context.Background(), "ord-1", "merch-1", 1, domain.EventPaymentDetected, []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := rig.waitDeliveryState(t, id, domain.DeliveryDelivered)
	if n.AttemptCount != 4 {
		t.Errorf("attempt count = %d, want 4", n.AttemptCount)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("endpoint calls = %d, want 4", got)
	}
}

func TestDispatcher_DeadLettersAndRedelivers(t *testing.T) {
	var healthy atomic.Bool
	rig := startDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(o *Options) {
		o.MaxAttempts = 3
	})

	id, err := rig.d.Enqueue(context.Background(), "ord-1", "merch-1", 1, domain.EventPaymentExpired, []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := rig.waitDeliveryState(t, id, domain.DeliveryDead)
	if n.AttemptCount != 3 {
		t.Errorf("attempt count at dead-letter = %d, want 3", n.AttemptCount)
	}

	// The endpoint recovers; an operator pushes the notification back out.
	healthy.Store(true)
	if err := rig.d.Redeliver(context.Background(), id); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	n = rig.waitDeliveryState(t, id, domain.DeliveryDelivered)
	if n.AttemptCount != 1 {
		t.Errorf("attempt count after redelivery = %d, want 1", n.AttemptCount)
	}

	err = rig.d.Redeliver(context.Background(), id)
	if !errors.Is(err, ErrNotDead) {
		t.Errorf("redeliver of delivered err = %v, want ErrNotDead", err)
	}
}

func TestDispatcher_SameOrderDeliversInSeqOrder(t *testing.T) {
	var mu sync.Mutex
	var delivered []int64
	var failedOnce atomic.Bool
	rig := startDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env struct {
			Payload struct {
				Seq int64 `json:"seq"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// The first notification fails once; the second must still wait
		// behind it.
		if env.Payload.Seq == 1 && failedOnce.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		mu.Lock()
		delivered = append(delivered, env.Payload.Seq)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}, nil)

	first, err := rig.d.Enqueue(context.Background(), "ord-1", "merch-1", 1, domain.EventPaymentDetected, []byte(`{"seq":1}`))
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := rig.d.Enqueue(context.Background(), "ord-1", "merch-1", 2, domain.EventPaymentCompleted, []byte(`{"seq":2}`))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	rig.waitDeliveryState(t, first, domain.DeliveryDelivered)
	rig.waitDeliveryState(t, second, domain.DeliveryDelivered)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 2 {
		t.Errorf("delivery order = %v, want [1 2]", delivered)
	}
}

func TestDispatcher_RecoversUndeliveredOnStartup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store := memory.NewNotificationStore()
	endpoints := memory.NewMerchantEndpointStore()
	if err := endpoints.Put(context.Background(), &domain.MerchantEndpoint{
		MerchantID:    "merch-1",
		URL:           srv.URL,
		WebhookSecret: []byte(testSecret),
	}); err != nil {
		t.Fatalf("register endpoint: %v", err)
	}

	// Rows left behind by a previous process: one fresh, one mid-retry.
	past := time.Now().Add(-time.Minute).UTC()
	ids := make([]string, 0, 2)
	for i, state := range []domain.DeliveryState{domain.DeliveryPending, domain.DeliveryRetrying} {
		body := []byte(`{"recovered":true}`)
		n := &domain.Notification{
			NotificationID: uuid.NewString(),
			OrderID:        "ord-recovered",
			MerchantID:     "merch-1",
			Seq:            int64(i + 1),
			EventType:      domain.EventPaymentDetected,
			Payload:        body,
			Signature:      Sign([]byte(testSecret), body),
			DeliveryState:  state,
			AttemptCount:   i,
			NextRetryAt:    past,
			CreatedAt:      past,
		}
		if err := store.Insert(context.Background(), n); err != nil {
			t.Fatalf("seed notification: %v", err)
		}
		ids = append(ids, n.NotificationID)
	}

	d := NewDispatcher(Options{
		Notifications: store,
		Endpoints:     endpoints,
		BaseDelay:     2 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	rig := &dispatchRig{d: d, store: store, endpoints: endpoints, srv: srv}
	for _, id := range ids {
		rig.waitDeliveryState(t, id, domain.DeliveryDelivered)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("endpoint calls = %d, want 2", got)
	}
}

func TestDispatcher_EnqueueUnknownMerchant(t *testing.T) {
	rig := startDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)

	_, err := rig.d.Enqueue(context.Background(), "ord-1", "ghost", 1, domain.EventPaymentExpired, []byte(`{}`))
	if err == nil {
		t.Fatal("enqueue for unregistered merchant succeeded")
	}
}
