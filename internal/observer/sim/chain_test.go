package sim

import (
	"testing"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
)

func TestChain_PayAndMine(t *testing.T) {
	c := NewAt(domain.CurrencyBTC, 99)
	c.Watch("addr-1")

	txID := c.Pay("addr-1", decimal.RequireFromString("0.05"))
	c.Mine(1)

	ev := <-c.Events()
	if ev.NetworkTxID != txID {
		t.Errorf("tx = %q, want %q", ev.NetworkTxID, txID)
	}
	if ev.BlockHeight != 100 {
		t.Errorf("height = %d, want 100", ev.BlockHeight)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("amount = %s, want 0.05", ev.Amount)
	}

	tick := <-c.Events()
	if !tick.HeightTick || tick.BlockHeight != 100 {
		t.Errorf("tick = %+v, want height tick at 100", tick)
	}

	c.Mine(2)
	if c.Height() != 102 {
		t.Errorf("height = %d, want 102", c.Height())
	}
}

func TestChain_UnwatchedPaymentsStayInvisible(t *testing.T) {
	c := New(domain.CurrencyBTC)
	c.Pay("addr-unknown", decimal.NewFromInt(1))
	c.Mine(1)

	ev := <-c.Events()
	if !ev.HeightTick {
		t.Errorf("expected only a tick, got %+v", ev)
	}
}

func TestChain_ReorgRetractsEmittedCredits(t *testing.T) {
	c := NewAt(domain.CurrencyBTC, 99)
	c.Watch("addr-1")

	txID := c.Pay("addr-1", decimal.NewFromInt(1))
	c.Pay("addr-unwatched", decimal.NewFromInt(5))
	c.Mine(1)

	<-c.Events() // credit
	<-c.Events() // tick

	c.Reorg(1)

	retraction := <-c.Events()
	if !retraction.Retraction {
		t.Fatalf("expected retraction, got %+v", retraction)
	}
	if retraction.NetworkTxID != txID {
		t.Errorf("retracted tx = %q, want %q", retraction.NetworkTxID, txID)
	}
	if retraction.BlockHeight != 100 {
		t.Errorf("retracted height = %d, want 100", retraction.BlockHeight)
	}

	// The unwatched credit was never emitted, so only a tick follows.
	tick := <-c.Events()
	if !tick.HeightTick {
		t.Errorf("expected tick after reorg, got %+v", tick)
	}
	if c.Height() != 100 {
		t.Errorf("height = %d, want 100 (tip unchanged)", c.Height())
	}
}

func TestChain_ReorgDeeperThanChainIsClamped(t *testing.T) {
	c := New(domain.CurrencyBTC)
	c.Mine(2)
	<-c.Events()
	<-c.Events()

	c.Reorg(10)

	tick := <-c.Events()
	if !tick.HeightTick || tick.BlockHeight != 2 {
		t.Errorf("tick = %+v, want height tick at 2", tick)
	}
}
