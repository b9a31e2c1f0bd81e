// Package merge combines locally sorted per-shard ranked lists into the
// single global top-K, with the deterministic ordering every response must
// honour: score descending, then shard ordinal, then shard-local doc id.
package merge

import (
	"container/heap"

	"github.com/searchkit/coordinator/internal/search"
)

// TopK k-way merges the per-shard lists into the global top k entries. Each
// input list must already be sorted by search.EntryBefore; nil lists (failed
// or absent shards) are skipped. The result is independent of the order in
// which shard results arrived.
func TopK(shardLists [][]search.ScoredEntry, k int) []search.ScoredEntry {
	if k <= 0 {
		return nil
	}
	h := &cursorHeap{}
	for _, list := range shardLists {
		if len(list) > 0 {
			*h = append(*h, cursor{list: list})
		}
	}
	heap.Init(h)

	out := make([]search.ScoredEntry, 0, k)
	for h.Len() > 0 && len(out) < k {
		c := &(*h)[0]
		out = append(out, c.list[c.pos])
		c.pos++
		if c.pos == len(c.list) {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
	}
	return out
}

// ByShard groups the merged top entries back into per-shard doc-id lists,
// preserving global rank order within each shard. Shards contributing no
// entries are absent from the map.
func ByShard(top []search.ScoredEntry) map[int][]int64 {
	docs := make(map[int][]int64)
	for _, entry := range top {
		docs[entry.Shard] = append(docs[entry.Shard], entry.Doc)
	}
	return docs
}

// cursor walks one shard's sorted list.
type cursor struct {
	list []search.ScoredEntry
	pos  int
}

type cursorHeap []cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	return search.EntryBefore(h[i].list[h[i].pos], h[j].list[h[j].pos])
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) {
	*h = append(*h, x.(cursor))
}

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
