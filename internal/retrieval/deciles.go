package retrieval

// Deciles tracks which multiples of 10% of a part have been received.
type Deciles struct {
	total int64
	last  int
}

// NewDeciles starts tracking a part of total bytes. A non-positive total
// means the length is unknown and no progress is ever reported.
func NewDeciles(total int64) *Deciles {
	return &Deciles{total: total}
}

// Advance returns the deciles (10..100) crossed since the previous call.
// Each decile is returned at most once.
func (d *Deciles) Advance(received int64) []int {
	if d.total <= 0 || received <= 0 {
		return nil
	}
	pct := int(received * 100 / d.total)
	if pct > 100 {
		pct = 100
	}
	reached := pct / 10 * 10
	if reached <= d.last {
		return nil
	}
	out := make([]int, 0, (reached-d.last)/10)
	for next := d.last + 10; next <= reached; next += 10 {
		out = append(out, next)
	}
	d.last = reached
	return out
}
