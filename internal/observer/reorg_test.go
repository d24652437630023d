package observer

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestChainWindow_Prunes(t *testing.T) {
	w := newChainWindow(3)
	for h := int64(1); h <= 5; h++ {
		w.add(h, "", nil)
	}

	if _, ok := w.hashAt(2); ok {
		t.Error("height 2 should have been pruned")
	}
	oldest, ok := w.oldest()
	if !ok || oldest != 3 {
		t.Errorf("oldest = %d, %v, want 3, true", oldest, ok)
	}
}

func TestChainWindow_LinksTo(t *testing.T) {
	w := newChainWindow(8)
	w.add(10, "hash-10", nil)
	w.add(11, "hash-11", nil)

	if !w.linksTo(12, "hash-11") {
		t.Error("block extending the tip should link")
	}
	if w.linksTo(12, "hash-11b") {
		t.Error("block with a different parent should not link")
	}
	if !w.linksTo(100, "hash-99") {
		t.Error("untracked parent height should link")
	}
}

func TestChainWindow_TruncateAbove(t *testing.T) {
	one := decimal.NewFromInt(1)
	w := newChainWindow(8)
	w.add(10, "hash-10", nil)
	w.add(11, "hash-11", []credit{{txID: "tx-a", address: "addr", amount: one}})
	w.add(12, "hash-12", []credit{{txID: "tx-b", address: "addr", amount: one}})

	orphaned := w.truncateAbove(10)
	if len(orphaned) != 2 {
		t.Fatalf("orphaned = %d blocks, want 2", len(orphaned))
	}
	if orphaned[0].height != 12 || orphaned[1].height != 11 {
		t.Errorf("orphaned heights = %d, %d, want 12, 11", orphaned[0].height, orphaned[1].height)
	}
	if orphaned[0].credits[0].txID != "tx-b" {
		t.Errorf("first retracted tx = %q, want tx-b", orphaned[0].credits[0].txID)
	}

	if _, ok := w.hashAt(11); ok {
		t.Error("height 11 should be gone after truncation")
	}
	if hash, ok := w.hashAt(10); !ok || hash != "hash-10" {
		t.Errorf("hashAt(10) = %q, %v, want hash-10, true", hash, ok)
	}
}

func TestChainWindow_TruncateAboveEmpty(t *testing.T) {
	w := newChainWindow(8)
	if orphaned := w.truncateAbove(5); len(orphaned) != 0 {
		t.Errorf("orphaned = %d blocks, want 0", len(orphaned))
	}
	if _, ok := w.oldest(); ok {
		t.Error("empty window should report no oldest height")
	}
}
