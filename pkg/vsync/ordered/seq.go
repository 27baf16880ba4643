// Package ordered implements totally-ordered multicast on top of an
// sst.Table: a global sequence number round-robins across a shard's
// senders, and a per-receiver out-of-order buffer — grounded on the
// teacher's internal/queue.go sorted-set/ttlcache RQueue — holds messages
// until every lower sequence number has stabilized.
package ordered

// Seq is a total order over every message multicast within one shard: the
// sender's index within the shard's sender list and that sender's local
// message index are packed into one monotonic number so comparing two Seq
// values is enough to compare delivery order, per spec §4.3.
type Seq int64

// Encode packs (sender index, local index) into the global sequence
// number sender + numSenders*index, the natural round-robin ordering of a
// shard with numSenders concurrent senders.
func Encode(numSenders, senderIndex int, index int64) Seq {
	return Seq(int64(senderIndex) + int64(numSenders)*index)
}

// Decode is the inverse of Encode.
func Decode(numSenders int, seq Seq) (senderIndex int, index int64) {
	s := int64(seq)
	n := int64(numSenders)
	senderIndex = int(((s % n) + n) % n)
	index = (s - int64(senderIndex)) / n
	return senderIndex, index
}
