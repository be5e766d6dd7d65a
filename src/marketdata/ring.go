package marketdata

import "github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"

// minRingCapacity bounds how small the per-symbol bar buffer may be
// configured.
const minRingCapacity = 100

// barRing is a fixed-capacity ring of completed bars, oldest overwritten
// first. Not safe for concurrent use; the provider serializes access.
type barRing struct {
	buf  []model.Bar
	next int
	size int
}

func newBarRing(capacity int) *barRing {
	if capacity < minRingCapacity {
		capacity = minRingCapacity
	}
	return &barRing{buf: make([]model.Bar, capacity)}
}

func (r *barRing) push(b model.Bar) {
	r.buf[r.next] = b
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// recent returns up to n bars in ascending time order.
func (r *barRing) recent(n int) []model.Bar {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]model.Bar, 0, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
