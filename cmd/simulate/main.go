// Package main runs a scripted payment scenario against the simulated
// chain: create an order, pay it in two transfers, mine to finality and
// watch the signed webhooks arrive. No node, broker or database required.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/dispatch"
	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/lifecycle"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/observer"
	"chainpay-engine/internal/observer/sim"
	"chainpay-engine/internal/policy"
	"chainpay-engine/internal/storage/memory"
	"chainpay-engine/internal/wallet"
)

const (
	merchantID = "merch-demo"
	waitLimit  = 15 * time.Second
)

func main() {
	amountFlag := flag.String("amount", "0.75", "Requested order amount")
	reorgFlag := flag.Bool("reorg", false, "Orphan the first payment with a reorg before finishing")
	verbose := flag.Bool("verbose", false, "Show component logs")

	flag.Parse()

	logger := log.New(os.Stdout, "[simulate] ", log.LstdFlags)

	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil || amount.Sign() <= 0 {
		logger.Fatalf("--amount must be a positive decimal, got %q", *amountFlag)
	}

	var componentLog logging.Logger = logging.Noop{}
	if *verbose {
		componentLog = logging.NewZapLogger("debug")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, logger, componentLog, amount, *reorgFlag); err != nil {
		logger.Fatalf("scenario failed: %v", err)
	}
	logger.Println("Scenario complete")
}

func run(ctx context.Context, logger *log.Logger, componentLog logging.Logger, amount decimal.Decimal, withReorg bool) error {
	// Stores (all in-memory; the scenario is self-contained)
	roots := memory.NewWalletRootStore()
	addresses := memory.NewDerivedAddressStore()
	orders := memory.NewOrderStore()
	chainEvents := memory.NewChainEventStore()
	transitions := memory.NewTransitionStore()
	notifications := memory.NewNotificationStore()
	endpoints := memory.NewMerchantEndpointStore()

	// Webhook receiver playing the merchant side, verifying signatures
	secret := []byte("simulate-webhook-secret")
	received := make(chan string, 16)
	receiverURL, stopReceiver, err := startReceiver(logger, secret, received)
	if err != nil {
		return fmt.Errorf("start webhook receiver: %w", err)
	}
	defer stopReceiver()

	if err := endpoints.Put(ctx, &domain.MerchantEndpoint{
		MerchantID:    merchantID,
		URL:           receiverURL,
		WebhookSecret: secret,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("register merchant endpoint: %w", err)
	}

	// Components over a manually driven chain
	chain := sim.New(domain.CurrencyBTC)
	registry, err := observer.NewRegistry(componentLog, chain)
	if err != nil {
		return err
	}

	wallets := wallet.NewService(wallet.Options{
		Roots:     roots,
		Addresses: addresses,
		Logger:    componentLog,
	})

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Notifications: notifications,
		Endpoints:     endpoints,
		Logger:        componentLog,
	})

	engine := lifecycle.NewEngine(lifecycle.Options{
		Orders:        orders,
		ChainEvents:   chainEvents,
		Transitions:   transitions,
		Wallet:        wallets,
		Policy:        policy.Default(),
		Watcher:       registry,
		Notifier:      dispatcher,
		Events:        registry.Events(),
		SweepInterval: time.Second,
		Logger:        componentLog,
	})

	go registry.Run(ctx)
	go engine.Run(ctx)
	go dispatcher.Run(ctx)

	// Scripted scenario
	root, err := wallets.CreateRoot(ctx, merchantID, domain.CurrencyBTC)
	if err != nil {
		return fmt.Errorf("create wallet root: %w", err)
	}
	logger.Printf("Wallet root %s created for %s", root.RootID, merchantID)

	order, err := engine.CreateOrder(ctx, lifecycle.CreateOrderRequest{
		MerchantID:      merchantID,
		Currency:        domain.CurrencyBTC,
		RequestedAmount: amount,
		TTLSeconds:      600,
	})
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	logger.Printf("Order %s created: %s %s to %s", order.OrderID, order.RequestedAmount, order.Currency, order.Address)

	partial := amount.Div(decimal.NewFromInt(2)).Round(8)
	rest := amount.Sub(partial)

	tx1 := chain.Pay(order.Address, partial)
	chain.Mine(1)
	logger.Printf("Paid %s in %s at height %d", partial, tx1, chain.Height())

	if _, err := waitForState(ctx, engine, order.OrderID, domain.OrderStatePartiallyPaid); err != nil {
		return err
	}
	logger.Printf("Order is PARTIALLY_PAID")
	if err := waitForEvent(received, domain.EventPaymentDetected); err != nil {
		return err
	}

	if withReorg {
		chain.Reorg(1)
		logger.Printf("Reorg orphaned the block carrying %s", tx1)

		if _, err := waitForState(ctx, engine, order.OrderID, domain.OrderStatePending); err != nil {
			return err
		}
		logger.Printf("Order is back to PENDING, funds retracted")

		tx1 = chain.Pay(order.Address, partial)
		chain.Mine(1)
		logger.Printf("Re-paid %s in %s on the new branch", partial, tx1)

		if _, err := waitForState(ctx, engine, order.OrderID, domain.OrderStatePartiallyPaid); err != nil {
			return err
		}
		if err := waitForEvent(received, domain.EventPaymentDetected); err != nil {
			return err
		}
	}

	tx2 := chain.Pay(order.Address, rest)
	chain.Mine(1)
	logger.Printf("Paid remaining %s in %s at height %d", rest, tx2, chain.Height())

	// Fully paid, not yet final: the policy wants more depth
	chain.Mine(2)
	logger.Printf("Mined 2 more blocks, height %d", chain.Height())

	final, err := waitForState(ctx, engine, order.OrderID, domain.OrderStateConfirmed)
	if err != nil {
		return err
	}
	logger.Printf("Order is CONFIRMED: received %s, %d confirmations", final.ReceivedAmount, final.ConfirmationsSeen)

	if err := waitForEvent(received, domain.EventPaymentCompleted); err != nil {
		return err
	}

	// Audit trail
	facts, err := transitions.ListByOrder(ctx, order.OrderID)
	if err != nil {
		return fmt.Errorf("list transitions: %w", err)
	}
	logger.Printf("Audit log (%d facts):", len(facts))
	for _, f := range facts {
		logger.Printf("  #%d %s -> %s (%s)", f.OrderSeq, orDash(string(f.FromState)), f.ToState, f.Reason)
	}

	return nil
}

// startReceiver serves the merchant webhook endpoint on a loopback port,
// checking every signature before acknowledging.
func startReceiver(logger *log.Logger, secret []byte, received chan<- string) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		signature := r.Header.Get(dispatch.HeaderSignature)
		if !dispatch.Verify(secret, body, signature) {
			logger.Printf("Webhook REJECTED: bad signature")
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		var envelope struct {
			EventType string `json:"event_type"`
			OrderID   string `json:"order_id"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}

		logger.Printf("Webhook received: %s for %s (signature ok, attempt %s)",
			envelope.EventType, envelope.OrderID, r.Header.Get(dispatch.HeaderAttempt))
		received <- envelope.EventType
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)

	url := fmt.Sprintf("http://%s/webhook", ln.Addr())
	stop := func() { srv.Close() }
	return url, stop, nil
}

// waitForState polls the order until it reaches want.
func waitForState(ctx context.Context, engine *lifecycle.Engine, orderID string, want domain.OrderState) (*domain.Order, error) {
	deadline := time.Now().Add(waitLimit)
	for time.Now().Before(deadline) {
		order, err := engine.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.State == want {
			return order, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("order %s did not reach %s within %s", orderID, want, waitLimit)
}

// waitForEvent blocks until the receiver reports the wanted webhook.
func waitForEvent(received <-chan string, want string) error {
	timeout := time.After(waitLimit)
	for {
		select {
		case got := <-received:
			if got == want {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("webhook %s not received within %s", want, waitLimit)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
