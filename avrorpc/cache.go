// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import "sync/atomic"

// atomicCacheMap is a read-mostly map from peer fingerprint to a
// *resolverSet, safe for concurrent readers with serialized writers. Reads
// never block; a write atomically swaps in a new map built by copying the
// old one plus the new entry (spec.md §9's "copy-on-write map" note).
type atomicCacheMap struct {
	m atomic.Pointer[map[[16]byte]*resolverSet]
}

func newAtomicCacheMap() *atomicCacheMap {
	c := &atomicCacheMap{}
	empty := map[[16]byte]*resolverSet{}
	c.m.Store(&empty)
	return c
}

func (c *atomicCacheMap) get(fp [16]byte) (*resolverSet, bool) {
	m := *c.m.Load()
	rs, ok := m[fp]
	return rs, ok
}

// put is safe for concurrent callers but does not itself serialize writers
// against each other racing to build the same entry; callers (emitter.go,
// handshake.go) hold the owning Protocol's capMu, which subprotocols share,
// around put to provide the single-writer guarantee spec.md §5 requires.
func (c *atomicCacheMap) put(fp [16]byte, rs *resolverSet) {
	old := *c.m.Load()
	next := make(map[[16]byte]*resolverSet, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[fp] = rs
	c.m.Store(&next)
}
