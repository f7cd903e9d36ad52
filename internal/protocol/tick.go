package protocol

// WireTick truncates a local tick to the u8 stamp carried by batches.
func WireTick(tick uint64) uint8 {
	return uint8(tick)
}

// ExpandTick reconstructs the full tick for a wire stamp, choosing the value
// closest to local. Stamps up to 128 ticks behind or 127 ahead of local
// resolve exactly; anything further is ambiguous on a u8 stamp anyway.
func ExpandTick(wire uint8, local uint64) uint64 {
	delta := int8(wire - uint8(local))
	if delta < 0 && uint64(-int64(delta)) > local {
		// The stamp would precede tick 0; take the forward reading.
		return local + uint64(uint8(delta))
	}
	return uint64(int64(local) + int64(delta))
}
