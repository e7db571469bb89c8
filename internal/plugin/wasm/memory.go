package wasm

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"warden/internal/domain"
)

// readBytes copies size bytes at ptr out of guest memory so the caller owns
// the slice.
func readBytes(mem api.Memory, ptr, size uint32) ([]byte, bool) {
	if size == 0 {
		return []byte{}, true
	}
	buf, ok := mem.Read(ptr, size)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf...), true
}

func readString(mem api.Memory, ptr, size uint32) (string, bool) {
	if size == 0 {
		return "", true
	}
	buf, ok := mem.Read(ptr, size)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// writeResult implements the buffer convention shared by data-returning host
// functions: the value length is always returned, and the bytes are copied
// into [buf, buf+bufCap) only when they fit.
func writeResult(mem api.Memory, buf, bufCap uint32, value []byte) int32 {
	if uint64(len(value)) > uint64(maxStatusLen) {
		return StatusLimitExceeded
	}
	if uint32(len(value)) <= bufCap && len(value) > 0 {
		if !mem.Write(buf, value) {
			return StatusInvalidArgument
		}
	}
	return int32(len(value))
}

// maxStatusLen is the largest length expressible as a non-negative i32 result.
const maxStatusLen = 1<<31 - 1

// ReadGuest copies a guest buffer, reporting an out-of-bounds range as a
// serialization failure.
func ReadGuest(mod api.Module, ptr, size uint32) ([]byte, error) {
	b, ok := readBytes(mod.Memory(), ptr, size)
	if !ok {
		return nil, fmt.Errorf("%w: memory read out of bounds at ptr=%d len=%d", domain.ErrSerialization, ptr, size)
	}
	return b, nil
}
