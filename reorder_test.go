package vdec

import "testing"

func TestTimestampReorder(t *testing.T) {
	var r timestampReorder
	for _, ts := range []int64{66, 0, 33, 100} {
		r.push(ts)
	}
	for _, want := range []int64{0, 33, 66, 100} {
		if got := r.next(-1); got != want {
			t.Errorf("next() = %d, want %d", got, want)
		}
	}
	if got := r.next(7); got != 7 {
		t.Errorf("next() on empty = %d, want fallback 7", got)
	}

	r.push(5)
	r.reset()
	if got := r.next(9); got != 9 {
		t.Errorf("next() after reset = %d, want fallback 9", got)
	}
}
