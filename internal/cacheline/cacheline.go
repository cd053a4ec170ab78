// Package cacheline holds the cache-line size assumption shared by the
// bucket and ring cell layouts, mirroring shmap::CACHE_LINE_SIZE from the
// original source (shmap.h).
package cacheline

// Size is the assumed destructive-interference size for the target
// platforms goshmap supports (amd64/arm64). Go has no portable
// std::hardware_destructive_interference_size equivalent, so, like most
// lock-free Go libraries in this family, we hardcode the common case
// rather than probe it at runtime.
const Size = 64

// PadBytes returns the number of padding bytes needed to round used up to
// the next multiple of Size.
func PadBytes(used uintptr) uintptr {
	rem := used % Size
	if rem == 0 {
		return 0
	}
	return Size - rem
}
