// Package zero provides helpers to zeroize sensitive byte slices and arrays
// before they are released back to the garbage collector.
package zero

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear private key material from memory.
//
// In general, prefer to keep around a byte slice and call Bytes rather than
// relying on the garbage collector to eventually clear the memory.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears the 32-byte array passed as a parameter.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// Bytea64 clears the 64-byte array passed as a parameter.
func Bytea64(b *[64]byte) {
	*b = [64]byte{}
}
