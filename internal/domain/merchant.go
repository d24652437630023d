package domain

import "time"

// MerchantEndpoint is a merchant's registered webhook destination and the
// secret used to sign payloads sent to it.
// Corresponds to merchant_endpoints table in PostgreSQL.
type MerchantEndpoint struct {
	MerchantID    string // PRIMARY KEY
	URL           string // destination for webhook POSTs
	WebhookSecret []byte // HMAC key, never exposed in payloads
	CreatedAt     time.Time
}

// ObserverCursor records the last block fully processed for a network so an
// observer can resume scanning after a restart.
// Corresponds to observer_cursors table in PostgreSQL.
type ObserverCursor struct {
	Currency  Currency // PRIMARY KEY
	Height    int64    // last fully processed block height
	BlockHash string   // hash at that height, for reorg detection on resume
	UpdatedAt time.Time
}
