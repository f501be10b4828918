package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes securely zeroes a byte slice.
func ZeroBytes(b []byte) {
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	runtime.KeepAlive(b)
}
