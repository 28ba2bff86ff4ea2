package worker

import (
	"math/rand"
	"sync"
	"time"
)

// NewLockToken produces a fencing token that is monotonically increasing
// within this process and, by construction, overwhelmingly unlikely to
// collide across processes: millis-since-epoch * 1000 + rand(0..999).
// A worker calls this once at startup and reuses the result for every
// claim/mark/renew it issues for its whole lifetime.
func NewLockToken() int64 {
	tokenMu.Lock()
	defer tokenMu.Unlock()

	millis := time.Now().UnixMilli()
	token := millis*1000 + int64(rand.Intn(1000))
	if token <= lastToken {
		token = lastToken + 1
	}
	lastToken = token
	return token
}

var (
	tokenMu   sync.Mutex
	lastToken int64
)
