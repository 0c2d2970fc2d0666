package util

// Bitmap is a fixed-size slot allocator backing the address pools. The
// fields stay exported so tracked state survives a JSON round trip.
type Bitmap struct {
	Bits   []byte
	Length uint64
}

func NewBitmap(n uint64) *Bitmap {
	return &Bitmap{
		Bits:   make([]byte, (n+7)/8),
		Length: n,
	}
}

// GetAvailableAndSet claims the lowest free slot and returns its index.
func (bitmap *Bitmap) GetAvailableAndSet() (uint64, bool) {
	for i := uint64(0); i < bitmap.Length; i++ {
		if bitmap.Bits[i/8]&(1<<(i%8)) == 0 {
			bitmap.Bits[i/8] |= 1 << (i % 8)
			return i, true
		}
	}
	return 0, false
}

// Remove frees a slot. Freeing an unclaimed slot is a no-op.
func (bitmap *Bitmap) Remove(num uint64) {
	bitmap.Bits[num/8] &^= 1 << (num % 8)
}
