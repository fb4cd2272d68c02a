// Package lb holds the load-balance strategies the dispatch selector picks
// workers with. Each strategy is one Select function over an already
// filtered candidate set; an empty result means "no target", never an error.
package lb

import (
	"math/rand"
	"sync/atomic"
	"time"

	"flowbroker/models"
)

// SelectArgs stable inputs for one selection decision.
type SelectArgs struct {
	// HashKey stable key for consistent hashing, typically executor name
	// plus caller attributes.
	HashKey string
	// AppointWorkerId explicit target for the APPOINT strategy.
	AppointWorkerId string
}

type Strategy interface {
	Select(candidates []models.WorkerNode, args SelectArgs) *models.WorkerNode
}

// StatisticsProvider usage history consulted by the LRU/LFU strategies,
// keyed by worker id.
type StatisticsProvider interface {
	LastUsedAt(workerId string) time.Time
	UsedCount(workerId string) uint64
	RecordUsage(workerId string, usedAt time.Time)
}

// NewStrategy builds the strategy for a load-balance type; BROADCAST is
// handled by the selector itself, unknown types fall back to round-robin.
func NewStrategy(loadBalanceType models.LoadBalanceType, statistics StatisticsProvider) Strategy {
	switch loadBalanceType {
	case models.LoadBalanceTypeRandom:
		return &RandomStrategy{}
	case models.LoadBalanceTypeConsistentHash:
		return &ConsistentHashStrategy{}
	case models.LoadBalanceTypeLRU:
		return &LRUStrategy{statistics: statistics}
	case models.LoadBalanceTypeLFU:
		return &LFUStrategy{statistics: statistics}
	case models.LoadBalanceTypeAppoint:
		return &AppointStrategy{}
	default:
		return &RoundRobinStrategy{}
	}
}

// RoundRobinStrategy rotating cursor per strategy instance; the cursor is
// advanced with an atomic add so concurrent callers never pick past the
// same slot.
type RoundRobinStrategy struct {
	cursor uint64
}

func (strategy *RoundRobinStrategy) Select(candidates []models.WorkerNode, _ SelectArgs) *models.WorkerNode {
	if len(candidates) < 1 {
		return nil
	}
	next := atomic.AddUint64(&strategy.cursor, 1)
	return &candidates[(next-1)%uint64(len(candidates))]
}

type RandomStrategy struct{}

func (strategy *RandomStrategy) Select(candidates []models.WorkerNode, _ SelectArgs) *models.WorkerNode {
	if len(candidates) < 1 {
		return nil
	}
	return &candidates[rand.Intn(len(candidates))]
}

// AppointStrategy the caller pins an explicit worker id, bypassing ranking.
type AppointStrategy struct{}

func (strategy *AppointStrategy) Select(candidates []models.WorkerNode, args SelectArgs) *models.WorkerNode {
	if args.AppointWorkerId == "" {
		return nil
	}
	for i := range candidates {
		if candidates[i].ID == args.AppointWorkerId {
			return &candidates[i]
		}
	}
	return nil
}

// LRUStrategy the worker idle the longest wins.
type LRUStrategy struct {
	statistics StatisticsProvider
}

func (strategy *LRUStrategy) Select(candidates []models.WorkerNode, _ SelectArgs) *models.WorkerNode {
	if len(candidates) < 1 {
		return nil
	}
	selected := 0
	for i := 1; i < len(candidates); i++ {
		if strategy.statistics.LastUsedAt(candidates[i].ID).Before(strategy.statistics.LastUsedAt(candidates[selected].ID)) {
			selected = i
		}
	}
	return &candidates[selected]
}

// LFUStrategy the worker used the fewest times wins.
type LFUStrategy struct {
	statistics StatisticsProvider
}

func (strategy *LFUStrategy) Select(candidates []models.WorkerNode, _ SelectArgs) *models.WorkerNode {
	if len(candidates) < 1 {
		return nil
	}
	selected := 0
	for i := 1; i < len(candidates); i++ {
		if strategy.statistics.UsedCount(candidates[i].ID) < strategy.statistics.UsedCount(candidates[selected].ID) {
			selected = i
		}
	}
	return &candidates[selected]
}
