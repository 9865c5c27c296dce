package breaker

// window is a fixed-capacity ring of call outcomes. failures is kept in step
// with the ring so policy checks never rescan it.
type window struct {
	outcomes []bool
	next     int
	count    int
	failures int
}

func newWindow(capacity int) *window {
	return &window{outcomes: make([]bool, capacity)}
}

func (w *window) record(failed bool) {
	if w.count == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.count++
	}

	w.outcomes[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *window) full() bool {
	return w.count == len(w.outcomes)
}

func (w *window) size() int {
	return len(w.outcomes)
}

func (w *window) reset() {
	clear(w.outcomes)
	w.next = 0
	w.count = 0
	w.failures = 0
}
