package stream

// XORCodec reverses the byte obfuscation one mirror family applies to its
// responses: plain[i] = cipher[i] ^ 253 ^ ((i*17) % 128). The transform is
// its own inverse, so the same function both encodes and decodes.
func XORCodec(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ 253 ^ byte((i*17)%128)
	}

	return out
}
