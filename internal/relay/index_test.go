package relay

import (
	"fmt"
	"sync"
	"testing"
)

func testPools() []Pool {
	return []Pool{
		{Name: "alpha", Enabled: true, Channels: []string{"telegram:1", "discord:9", "telegram:2"}},
		{Name: "beta", Enabled: true, Channels: []string{"telegram:2", "discord:9"}},
		{Name: "off", Enabled: false, Channels: []string{"telegram:404"}},
	}
}

func TestIndexRebuildCounts(t *testing.T) {
	t.Parallel()
	ix := NewIndex()
	pools, channels := ix.Rebuild(testPools())
	if pools != 2 {
		t.Fatalf("active pools = %d, want 2", pools)
	}
	// Distinct members of enabled pools: telegram:1, telegram:2, discord:9.
	if channels != 3 {
		t.Fatalf("channels = %d, want 3", channels)
	}

	if got := ix.PoolsFor("telegram:404"); got != nil {
		t.Fatalf("disabled pool member should not be indexed, got %v", got)
	}
	if got := ix.PoolsFor("telegram:999"); got != nil {
		t.Fatalf("unknown channel should have no pools, got %v", got)
	}
}

func TestIndexPoolsForOrder(t *testing.T) {
	t.Parallel()
	ix := NewIndex()
	ix.Rebuild(testPools())

	got := ix.PoolsFor("discord:9")
	if len(got) != 2 {
		t.Fatalf("pool count = %d, want 2", len(got))
	}
	if got[0].Name != "alpha" || got[1].Name != "beta" {
		t.Fatalf("pool order = %s,%s, want alpha,beta", got[0].Name, got[1].Name)
	}
	// Member order inside a pool follows the configuration.
	if got[0].Channels[0] != "telegram:1" || got[0].Channels[2] != "telegram:2" {
		t.Fatalf("member order not preserved: %v", got[0].Channels)
	}
}

func TestIndexRebuildIdempotent(t *testing.T) {
	t.Parallel()
	ix := NewIndex()
	p1, c1 := ix.Rebuild(testPools())
	p2, c2 := ix.Rebuild(testPools())
	if p1 != p2 || c1 != c2 {
		t.Fatalf("repeated rebuild changed counts: %d/%d vs %d/%d", p1, c1, p2, c2)
	}
}

func TestIndexSkipsDuplicatesAndBlanks(t *testing.T) {
	t.Parallel()
	ix := NewIndex()
	pools, channels := ix.Rebuild([]Pool{
		{Name: "dup", Enabled: true, Channels: []string{"telegram:1", "telegram:1", "", "telegram:2"}},
	})
	if pools != 1 || channels != 2 {
		t.Fatalf("counts = %d/%d, want 1/2", pools, channels)
	}
	if got := ix.PoolsFor("telegram:1"); len(got) != 1 {
		t.Fatalf("duplicated member indexed %d times, want 1", len(got))
	}
}

func TestIndexSnapshotIsolation(t *testing.T) {
	t.Parallel()
	ix := NewIndex()
	ix.Rebuild([]Pool{{Name: "one", Enabled: true, Channels: []string{"telegram:1"}}})

	before := ix.PoolsFor("telegram:1")
	ix.Rebuild([]Pool{{Name: "two", Enabled: true, Channels: []string{"telegram:1"}}})

	// The slice captured before the rebuild still describes the old view.
	if before[0].Name != "one" {
		t.Fatalf("old snapshot mutated: %s", before[0].Name)
	}
	after := ix.PoolsFor("telegram:1")
	if after[0].Name != "two" {
		t.Fatalf("new snapshot not visible: %s", after[0].Name)
	}
}

func TestIndexConcurrentRebuildAndLookup(t *testing.T) {
	t.Parallel()
	ix := NewIndex()
	ix.Rebuild(testPools())

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			ix.Rebuild([]Pool{
				{Name: fmt.Sprintf("gen%d", i), Enabled: true, Channels: []string{"telegram:1", "discord:9"}},
			})
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 5000; i++ {
				pools := ix.PoolsFor("telegram:1")
				for _, p := range pools {
					if len(p.Channels) == 0 {
						t.Error("observed half-built pool")
						return
					}
				}
				ix.Size()
			}
		}()
	}

	readers.Wait()
	close(stop)
	writer.Wait()
}
