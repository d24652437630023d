package observer

import "github.com/shopspring/decimal"

// credit is one transfer already emitted for a watched address, kept so a
// reorg can retract exactly what was credited.
type credit struct {
	txID    string
	address string
	amount  decimal.Decimal
}

type trackedBlock struct {
	height  int64
	hash    string
	credits []credit
}

// chainWindow remembers the last N processed blocks in height order. It is
// how the pollers notice that an incoming block no longer links to what they
// saw before, and what lets them retract credits from orphaned blocks.
// Reorgs deeper than the window go undetected, so the window must comfortably
// exceed the largest confirmation requirement in play.
type chainWindow struct {
	size   int
	blocks []trackedBlock
}

func newChainWindow(size int) *chainWindow {
	if size <= 0 {
		size = 64
	}
	return &chainWindow{size: size}
}

// add records a processed block and prunes entries that fell out of the
// window. Heights must be added in ascending order.
func (w *chainWindow) add(height int64, hash string, credits []credit) {
	w.blocks = append(w.blocks, trackedBlock{height: height, hash: hash, credits: credits})
	if len(w.blocks) > w.size {
		w.blocks = w.blocks[len(w.blocks)-w.size:]
	}
}

// hashAt returns the tracked hash for height, if still inside the window.
func (w *chainWindow) hashAt(height int64) (string, bool) {
	for i := len(w.blocks) - 1; i >= 0; i-- {
		if w.blocks[i].height == height {
			return w.blocks[i].hash, true
		}
	}
	return "", false
}

// linksTo reports whether a block at height with the given parent hash
// extends the tracked chain. An untracked parent (window empty or too old)
// counts as linking; there is nothing to contradict.
func (w *chainWindow) linksTo(height int64, parentHash string) bool {
	hash, ok := w.hashAt(height - 1)
	if !ok {
		return true
	}
	return hash == parentHash
}

// truncateAbove drops every tracked block above height and returns them
// newest first, so retractions unwind in reverse order of crediting.
func (w *chainWindow) truncateAbove(height int64) []trackedBlock {
	cut := len(w.blocks)
	for cut > 0 && w.blocks[cut-1].height > height {
		cut--
	}
	orphaned := make([]trackedBlock, 0, len(w.blocks)-cut)
	for i := len(w.blocks) - 1; i >= cut; i-- {
		orphaned = append(orphaned, w.blocks[i])
	}
	w.blocks = w.blocks[:cut]
	return orphaned
}

// oldest returns the lowest tracked height, or false when the window is
// empty.
func (w *chainWindow) oldest() (int64, bool) {
	if len(w.blocks) == 0 {
		return 0, false
	}
	return w.blocks[0].height, true
}
