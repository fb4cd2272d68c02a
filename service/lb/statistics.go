package lb

import (
	"sync"
	"time"
)

type usageRecord struct {
	lastUsedAt time.Time
	usedCount  uint64
}

// MemoryStatisticsRepo in-process usage history for LRU/LFU selection.
// Explicitly constructed and injected rather than process-global.
type MemoryStatisticsRepo struct {
	mtx     sync.RWMutex
	records map[string]usageRecord
}

func NewMemoryStatisticsRepo() *MemoryStatisticsRepo {
	return &MemoryStatisticsRepo{
		records: map[string]usageRecord{},
	}
}

func (repo *MemoryStatisticsRepo) LastUsedAt(workerId string) time.Time {
	repo.mtx.RLock()
	defer repo.mtx.RUnlock()

	return repo.records[workerId].lastUsedAt
}

func (repo *MemoryStatisticsRepo) UsedCount(workerId string) uint64 {
	repo.mtx.RLock()
	defer repo.mtx.RUnlock()

	return repo.records[workerId].usedCount
}

func (repo *MemoryStatisticsRepo) RecordUsage(workerId string, usedAt time.Time) {
	repo.mtx.Lock()
	defer repo.mtx.Unlock()

	record := repo.records[workerId]
	record.lastUsedAt = usedAt
	record.usedCount += 1
	repo.records[workerId] = record
}
