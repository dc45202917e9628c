package echoloop

const jumpMagic = uint64(2862933555777941757)

// JumpHash maps key onto one of numBuckets buckets (Lamping & Veach). It
// returns -1 when there are no buckets. Server.distribute feeds it the accept
// sequence number to pick the worker loop that owns a new connection, so
// growing the worker count only moves keys onto the new worker.
func JumpHash(key uint64, numBuckets int) int {
	bucket, next := int64(-1), int64(0)
	for next < int64(numBuckets) {
		bucket = next
		key = key*jumpMagic + 1
		next = int64(float64(bucket+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(bucket)
}
