// Package histogram implements the fixed-precision logarithmic-bucket
// histogram used for per-task poll durations, and its versioned binary
// encoding. Memory is bounded: the bucket count is fixed regardless of how
// many durations are recorded.
package histogram

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"
)

// Version is the current binary encoding version. Decoders reject payloads
// with a version they do not understand.
const Version = 1

// numBuckets is the fixed bucket count. Bucket i counts durations whose
// nanosecond value has bit length i, i.e. roughly [2^(i-1), 2^i). The last
// bucket absorbs everything above.
const numBuckets = 64

// Histogram accumulates durations into log2 buckets. Not safe for
// concurrent use; callers synchronize externally.
type Histogram struct {
	buckets [numBuckets]uint64
	count   uint64
	minNs   uint64
	maxNs   uint64
}

// New returns an empty histogram.
func New() *Histogram {
	return &Histogram{}
}

func bucketIndex(ns uint64) int {
	i := bits.Len64(ns)
	if i >= numBuckets {
		return numBuckets - 1
	}
	return i
}

// Record adds one duration. Negative durations are clamped to zero.
func (h *Histogram) Record(d time.Duration) {
	ns := uint64(0)
	if d > 0 {
		ns = uint64(d)
	}
	h.buckets[bucketIndex(ns)]++
	if h.count == 0 || ns < h.minNs {
		h.minNs = ns
	}
	if ns > h.maxNs {
		h.maxNs = ns
	}
	h.count++
}

// Count returns the total number of recorded durations.
func (h *Histogram) Count() uint64 { return h.count }

// Min returns the smallest recorded duration, or zero when empty.
func (h *Histogram) Min() time.Duration { return time.Duration(h.minNs) }

// Max returns the largest recorded duration, or zero when empty.
func (h *Histogram) Max() time.Duration { return time.Duration(h.maxNs) }

// Merge folds other into h. Bucket counts add; min/max widen.
func (h *Histogram) Merge(other *Histogram) {
	if other == nil || other.count == 0 {
		return
	}
	for i := range h.buckets {
		h.buckets[i] += other.buckets[i]
	}
	if h.count == 0 || other.minNs < h.minNs {
		h.minNs = other.minNs
	}
	if other.maxNs > h.maxNs {
		h.maxNs = other.maxNs
	}
	h.count += other.count
}

// Percentile returns an upper bound for the q-th percentile (q in [0,1]):
// the upper edge of the bucket at which the cumulative count reaches
// q * Count. Returns zero when the histogram is empty.
func (h *Histogram) Percentile(q float64) time.Duration {
	if h.count == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}
	target := uint64(q * float64(h.count))
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i, c := range h.buckets {
		cum += c
		if cum >= target {
			if i == 0 {
				return 0
			}
			upper := uint64(1) << uint(i)
			if upper > h.maxNs {
				upper = h.maxNs
			}
			return time.Duration(upper)
		}
	}
	return time.Duration(h.maxNs)
}

// Encode serializes the histogram to its versioned binary form:
//
//	byte 0:  version
//	uvarint: total count
//	uvarint: min (ns)
//	uvarint: max (ns)
//	uvarint: number of encoded buckets N
//	N * uvarint: bucket counts, low bucket first
//
// Trailing empty buckets are elided, so idle tasks encode in a few bytes.
func (h *Histogram) Encode() []byte {
	last := -1
	for i, c := range h.buckets {
		if c != 0 {
			last = i
		}
	}
	buf := make([]byte, 0, 1+4*binary.MaxVarintLen64+(last+1)*2)
	buf = append(buf, Version)
	buf = binary.AppendUvarint(buf, h.count)
	buf = binary.AppendUvarint(buf, h.minNs)
	buf = binary.AppendUvarint(buf, h.maxNs)
	buf = binary.AppendUvarint(buf, uint64(last+1))
	for i := 0; i <= last; i++ {
		buf = binary.AppendUvarint(buf, h.buckets[i])
	}
	return buf
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (*Histogram, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("histogram: empty payload")
	}
	if data[0] != Version {
		return nil, fmt.Errorf("histogram: unsupported version %d", data[0])
	}
	rest := data[1:]
	next := func() (uint64, error) {
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return 0, fmt.Errorf("histogram: truncated payload")
		}
		rest = rest[n:]
		return v, nil
	}

	h := New()
	var err error
	if h.count, err = next(); err != nil {
		return nil, err
	}
	if h.minNs, err = next(); err != nil {
		return nil, err
	}
	if h.maxNs, err = next(); err != nil {
		return nil, err
	}
	n, err := next()
	if err != nil {
		return nil, err
	}
	if n > numBuckets {
		return nil, fmt.Errorf("histogram: bucket count %d exceeds maximum %d", n, numBuckets)
	}
	var sum uint64
	for i := 0; i < int(n); i++ {
		if h.buckets[i], err = next(); err != nil {
			return nil, err
		}
		sum += h.buckets[i]
	}
	if sum != h.count {
		return nil, fmt.Errorf("histogram: bucket sum %d does not match count %d", sum, h.count)
	}
	return h, nil
}
