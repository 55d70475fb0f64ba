// Package dedupe wires github.com/patrickmn/go-cache into two small TTL
// caches the bridge needs: the last working (port, baud) pair so a
// reconnect after a soft/hard reset can skip the full autodetect sweep, and
// the set of recently-resolved message Ids so a duplicate late +IPD reply
// (one that arrives after internal/atack.Tracker already resolved the Id)
// is logged once and dropped rather than treated as an unmatched reply.
package dedupe

import (
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const lastGoodPortKey = "last_good_port"

// PortCandidate mirrors internal/atserial.Candidate without importing it,
// keeping this package dependency-light; callers convert at the boundary.
type PortCandidate struct {
	Port string
	Baud int
}

// PortCache remembers the last (port, baud) that answered an AT probe.
type PortCache struct{ c *cache.Cache }

// NewPortCache constructs a PortCache; ttl bounds how long a remembered
// port survives without being reconfirmed (a stale hint is worse than a
// full autodetect sweep).
func NewPortCache(ttl time.Duration) *PortCache {
	return &PortCache{c: cache.New(ttl, ttl/2)}
}

// Remember records cand as the last responsive candidate.
func (p *PortCache) Remember(cand PortCandidate) {
	p.c.Set(lastGoodPortKey, cand, cache.DefaultExpiration)
}

// Last returns the last remembered candidate, if any and not expired.
func (p *PortCache) Last() (PortCandidate, bool) {
	v, ok := p.c.Get(lastGoodPortKey)
	if !ok {
		return PortCandidate{}, false
	}
	cand, ok := v.(PortCandidate)
	return cand, ok
}

// SeenIds deduplicates recently-resolved message Ids so a late duplicate
// +IPD reply is recognised and dropped instead of logged as an unknown
// reply. ttl should comfortably exceed MSG_ACK_TIMEOUT_MS so a duplicate
// arriving just after the ack window still matches.
type SeenIds struct{ c *cache.Cache }

// NewSeenIds constructs a SeenIds cache with the given TTL.
func NewSeenIds(ttl time.Duration) *SeenIds {
	return &SeenIds{c: cache.New(ttl, ttl/2)}
}

// MarkSeen records id as resolved. Called once per Id, right after
// internal/atack.Tracker.Ack reports a match.
func (s *SeenIds) MarkSeen(id int) {
	s.c.Set(keyFor(id), struct{}{}, cache.DefaultExpiration)
}

// Seen reports whether id was already resolved within the TTL window.
func (s *SeenIds) Seen(id int) bool {
	_, ok := s.c.Get(keyFor(id))
	return ok
}

func keyFor(id int) string { return fmt.Sprintf("id:%d", id) }
