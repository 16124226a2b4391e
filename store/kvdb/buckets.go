package kvdb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage. Each database holds one collection.
var (
	bucketEntries = []byte("entries") // key -> JSON envelope

	// Timestamp index for age-based deletion
	bucketByTimestamp    = []byte("by_timestamp")     // timestamp+key -> key
	bucketTimestampByKey = []byte("timestamp_by_key") // key -> 8-byte timestamp (reverse index for O(1) delete)
)

// indexBucketPrefix prefixes the per-field secondary index buckets.
const indexBucketPrefix = "idx_"

// indexBucketName returns the bucket name for a secondary index field.
func indexBucketName(field string) []byte {
	return []byte(indexBucketPrefix + field)
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeTimestampKey creates a key for the by_timestamp index.
// Format: [8-byte timestamp][key]
func makeTimestampKey(ts time.Time, key string) []byte {
	encoded := encodeTimestamp(ts)
	result := make([]byte, 8+len(key))
	copy(result[:8], encoded)
	copy(result[8:], key)
	return result
}

// makeIndexKey creates a key for a secondary index bucket.
// Format: [field value][separator][primary key]
func makeIndexKey(value, key string) []byte {
	result := make([]byte, len(value)+1+len(key))
	copy(result, value)
	result[len(value)] = 0 // null separator
	copy(result[len(value)+1:], key)
	return result
}

// indexPrefix returns the scan prefix for all index rows with the given value.
func indexPrefix(value string) []byte {
	result := make([]byte, len(value)+1)
	copy(result, value)
	result[len(value)] = 0
	return result
}
