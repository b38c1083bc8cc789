// Package zeroize provides the scope-guarded zeroization primitive used
// everywhere lzcore holds secret material (CDI, static_symm, HMAC keys,
// private key bytes) in a stack-local buffer.
//
// Go has no direct equivalent of a volatile write, and the compiler is
// free to elide a plain byte-wise zero loop over a buffer that is never
// read again (a classic dead-store elimination hazard for secret wiping).
// Bytes defeats that by reading back through runtime.KeepAlive, which
// forces the compiler to treat the buffer as live until after the zeroing
// loop completes.
package zeroize

import "runtime"

// Bytes overwrites b with zeroes, byte by byte.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Guard returns a function that zeroizes b; defer the result at the top
// of any function that allocates a sensitive buffer so it is wiped on
// every exit path, including a panicking one.
//
//	cdi := make([]byte, 32)
//	defer zeroize.Guard(cdi)()
func Guard(b []byte) func() {
	return func() { Bytes(b) }
}
