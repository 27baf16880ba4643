package ordered

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for numSenders := 1; numSenders <= 4; numSenders++ {
		for senderIndex := 0; senderIndex < numSenders; senderIndex++ {
			for _, idx := range []int64{0, 1, 2, 100} {
				seq := Encode(numSenders, senderIndex, idx)
				gotSender, gotIdx := Decode(numSenders, seq)
				if gotSender != senderIndex || gotIdx != idx {
					t.Fatalf("Encode/Decode round trip failed: numSenders=%d senderIndex=%d idx=%d got sender=%d idx=%d",
						numSenders, senderIndex, idx, gotSender, gotIdx)
				}
			}
		}
	}
}

func TestEncodeRoundRobinOrder(t *testing.T) {
	// With 3 senders, the natural order of Seq values visits senders 0,1,2
	// round robin: 0,1,2,3,4,5 decode to (0,0)(1,0)(2,0)(0,1)(1,1)(2,1).
	const n = 3
	want := [][2]int64{{0, 0}, {1, 0}, {2, 0}, {0, 1}, {1, 1}, {2, 1}}
	for i, w := range want {
		sender, idx := Decode(n, Seq(i))
		if int64(sender) != w[0] || idx != w[1] {
			t.Fatalf("seq %d: got (%d,%d), want (%d,%d)", i, sender, idx, w[0], w[1])
		}
	}
}
