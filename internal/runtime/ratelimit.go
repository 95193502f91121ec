package runtime

import (
	"sync"

	"golang.org/x/time/rate"
)

// inboundLimiter throttles requests arriving from remote nodes: one limiter
// shared by every peer plus one per peer address. Requests over the limit are
// answered with ErrRejected.
type inboundLimiter struct {
	global *rate.Limiter
	rps    float64
	burst  int

	mu    sync.Mutex
	peers map[string]*peerLimit
}

type peerLimit struct {
	limiter *rate.Limiter
	streams int
}

func newInboundLimiter(rps float64, burst int) *inboundLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &inboundLimiter{
		global: rate.NewLimiter(rate.Limit(rps), burst*4),
		rps:    rps,
		burst:  burst,
		peers:  make(map[string]*peerLimit),
	}
}

// acquire registers one stream from peer and returns its limiter.
func (l *inboundLimiter) acquire(peer string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.peers[peer]
	if !ok {
		pl = &peerLimit{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.peers[peer] = pl
	}
	pl.streams++
	return pl.limiter
}

// release forgets peer once its last stream is gone.
func (l *inboundLimiter) release(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok := l.peers[peer]; ok {
		pl.streams--
		if pl.streams <= 0 {
			delete(l.peers, peer)
		}
	}
}

func (l *inboundLimiter) allow(peer *rate.Limiter) bool {
	return l.global.Allow() && peer.Allow()
}
