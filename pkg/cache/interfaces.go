package cache

import (
	"time"
)

// ExpiringCache treats some of its entries as stale once their TTL elapses
type ExpiringCache interface {
	GetTTL() time.Duration
	SetTTL(time.Duration)
}

// BoundedCache holds at most a fixed number of entries
type BoundedCache interface {
	GetCapacity() int
	SetCapacity(capacity int)
}
