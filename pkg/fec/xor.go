// Package fec implements single-loss XOR parity protection for groups of
// consecutive media packets.
package fec

// XOR returns the byte-wise XOR of payloads, each zero-padded to the longest.
func XOR(payloads ...[]byte) []byte {
	n := 0
	for _, p := range payloads {
		if len(p) > n {
			n = len(p)
		}
	}
	out := make([]byte, n)
	for _, p := range payloads {
		xorInto(out, p)
	}
	return out
}

// xorInto folds src into dst. dst must be at least as long as src.
func xorInto(dst, src []byte) {
	for i, b := range src {
		dst[i] ^= b
	}
}
