package syncv2

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// txnIDTTL is how long a sent transaction ID is remembered. Long enough to
// cover sync lag, short enough that the cache stays tiny.
const txnIDTTL = 5 * time.Minute

// TransactionIDCache remembers the transaction IDs of events this client
// sent. The dispatcher consults it to suppress local echo: the homeserver
// reflects our own messages back through /sync with the transaction ID
// under unsigned.transaction_id.
type TransactionIDCache struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewTransactionIDCache() *TransactionIDCache {
	c := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](txnIDTTL),
		// we don't care how many times the ID is looked up, the TTL is the limit
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go c.Start()
	return &TransactionIDCache{cache: c}
}

// Store records a transaction ID used for a send.
func (c *TransactionIDCache) Store(txnID string) {
	c.cache.Set(txnID, struct{}{}, ttlcache.DefaultTTL)
}

// Seen reports whether txnID was recorded within the TTL.
func (c *TransactionIDCache) Seen(txnID string) bool {
	return c.cache.Has(txnID)
}

// Stop halts the cache's expiry loop.
func (c *TransactionIDCache) Stop() {
	c.cache.Stop()
}
