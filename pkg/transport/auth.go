package transport

import (
	"fmt"
	"hash/fnv"
)

// AuthDigits derives the four-digit code both sides of a handshake display. The order of
// the ids does not matter.
func AuthDigits(a, b string) string {
	if b < a {
		a, b = b, a
	}
	f := fnv.New32a()
	f.Write([]byte(a))
	f.Write([]byte{0})
	f.Write([]byte(b))
	return fmt.Sprintf("%04d", f.Sum32()%10000)
}
