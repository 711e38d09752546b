package activity

// Merge combines a card's baseline counters with its activity record. Negative activity
// counters, which can only come from corrupted storage, contribute nothing.
func Merge(baseline CardBaseline, record Record) MergedView {
	return MergedView{
		CountA:       baseline.CountA + nonNegative(record.CountA),
		CountB:       baseline.CountB + nonNegative(record.CountB),
		CommentCount: baseline.CommentCount + len(record.Comments),
	}
}

func nonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
