package lorawan

import (
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Dedup filter defaults.
const (
	DefaultDedupCapacity     = 1000
	DefaultFalsePositiveRate = 0.01
	DefaultMaxFillPercent    = 90
)

// Deduplicator remembers recently seen uplinks per device. Each device
// gets its own bloom filter, cleared once its estimated fill reaches
// maxFill percent of capacity.
type Deduplicator struct {
	mu       sync.Mutex
	filters  map[string]*bloom.BloomFilter
	capacity uint
	fpRate   float64
	maxFill  float64
}

// NewDeduplicator sizes the per-device filters. Zero values take the
// defaults.
func NewDeduplicator(capacity uint, falsePositiveRate, maxFillPercent float64) *Deduplicator {
	if capacity == 0 {
		capacity = DefaultDedupCapacity
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	if maxFillPercent <= 0 || maxFillPercent > 100 {
		maxFillPercent = DefaultMaxFillPercent
	}
	return &Deduplicator{
		filters:  make(map[string]*bloom.BloomFilter),
		capacity: capacity,
		fpRate:   falsePositiveRate,
		maxFill:  maxFillPercent,
	}
}

// Seen reports whether the uplink was already recorded for the device.
// Uplinks are keyed "{time}_{fcnt}".
func (d *Deduplicator) Seen(deviceID, timestamp string, fcnt uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.filters[deviceID]
	return ok && f.Test(uplinkKey(timestamp, fcnt))
}

// Add records the uplink for the device, clearing the device's filter
// first when it is full.
func (d *Deduplicator) Add(deviceID, timestamp string, fcnt uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.filters[deviceID]
	if !ok {
		f = bloom.NewWithEstimates(d.capacity, d.fpRate)
		d.filters[deviceID] = f
	}
	if d.fill(f) >= d.maxFill {
		f.ClearAll()
	}
	f.Add(uplinkKey(timestamp, fcnt))
}

// Forget drops a device's filter.
func (d *Deduplicator) Forget(deviceID string) {
	d.mu.Lock()
	delete(d.filters, deviceID)
	d.mu.Unlock()
}

func uplinkKey(timestamp string, fcnt uint32) []byte {
	return []byte(timestamp + "_" + strconv.FormatUint(uint64(fcnt), 10))
}

func (d *Deduplicator) fill(f *bloom.BloomFilter) float64 {
	return float64(f.ApproximatedSize()) / float64(d.capacity) * 100
}
