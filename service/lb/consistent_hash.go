package lb

import (
	"hash/fnv"
	"sort"

	"flowbroker/models"
)

// ConsistentHashStrategy maps the selection key onto a ring of worker id
// hashes so the same key keeps landing on the same worker while the pool is
// stable. The ring is rebuilt per call; candidate sets are small and change
// between calls anyway.
type ConsistentHashStrategy struct{}

func (strategy *ConsistentHashStrategy) Select(candidates []models.WorkerNode, args SelectArgs) *models.WorkerNode {
	if len(candidates) < 1 {
		return nil
	}

	type ringEntry struct {
		hash  uint32
		index int
	}

	ring := make([]ringEntry, 0, len(candidates))
	for i := range candidates {
		ring = append(ring, ringEntry{hash: hashOf(candidates[i].ID), index: i})
	}
	sort.Slice(ring, func(i, j int) bool {
		return ring[i].hash < ring[j].hash
	})

	keyHash := hashOf(args.HashKey)
	position := sort.Search(len(ring), func(i int) bool {
		return ring[i].hash >= keyHash
	})
	if position == len(ring) {
		position = 0
	}
	return &candidates[ring[position].index]
}

func hashOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
