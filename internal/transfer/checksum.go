package transfer

import (
	"hash/adler32"
	"strconv"
)

const checksumModulus = 10_000_000_000

// Checksum returns the block checksum in the bounded decimal form the remote
// expects: adler32 modulo 10^10.
func Checksum(data []byte) string {
	return strconv.FormatUint(uint64(adler32.Checksum(data))%checksumModulus, 10)
}
