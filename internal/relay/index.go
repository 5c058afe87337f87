package relay

import "sync/atomic"

// snapshot is one immutable view of the pool membership. Readers share the
// contained slices and must not mutate them.
type snapshot struct {
	byChannel map[string][]*Pool
	active    []*Pool
	channels  int
}

// Index answers "which enabled pools contain this channel" with a single
// atomic load. Rebuild constructs a complete replacement snapshot and swaps
// it in, so lookups racing a rebuild observe either the old view or the new
// one, never a half-built map.
type Index struct {
	snap atomic.Pointer[snapshot]
}

func NewIndex() *Index {
	ix := &Index{}
	ix.snap.Store(&snapshot{byChannel: map[string][]*Pool{}})
	return ix
}

// Rebuild replaces the index content from the given pool list. Disabled
// pools are skipped entirely. Pool order and member order follow the input;
// duplicate members inside one pool are indexed once. Rebuilding from the
// same input yields the same view, so calling it repeatedly is harmless.
//
// Returns the number of enabled pools and distinct member channels.
func (ix *Index) Rebuild(pools []Pool) (activePools, channels int) {
	sn := &snapshot{byChannel: map[string][]*Pool{}}
	for i := range pools {
		if !pools[i].Enabled {
			continue
		}
		cp := pools[i].clone()
		sn.active = append(sn.active, cp)
		seen := make(map[string]struct{}, len(cp.Channels))
		for _, ch := range cp.Channels {
			if ch == "" {
				continue
			}
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			sn.byChannel[ch] = append(sn.byChannel[ch], cp)
		}
	}
	sn.channels = len(sn.byChannel)
	ix.snap.Store(sn)
	return len(sn.active), sn.channels
}

// PoolsFor returns the enabled pools containing channelID, in configuration
// order. The returned slice is shared with the current snapshot; callers
// must treat it as read-only. Nil means the channel is in no pool.
func (ix *Index) PoolsFor(channelID string) []*Pool {
	return ix.snap.Load().byChannel[channelID]
}

// Active returns the enabled pools of the current snapshot in order.
func (ix *Index) Active() []*Pool {
	return ix.snap.Load().active
}

// Size reports the current snapshot's pool and distinct channel counts.
func (ix *Index) Size() (activePools, channels int) {
	sn := ix.snap.Load()
	return len(sn.active), sn.channels
}
