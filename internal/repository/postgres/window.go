package postgres

import "time"

// fetchOrder is the scan direction of an adaptive range search.
type fetchOrder int

const (
	orderDesc fetchOrder = iota
	orderAsc
)

func (o fetchOrder) sql() string {
	if o == orderAsc {
		return "ASC"
	}
	return "DESC"
}

const (
	// defaultFetchWindow is the width of the first search window.
	defaultFetchWindow = 30 * 24 * time.Hour

	// windowSizeMultiplier controls how fast a floating bound moves out when
	// a window comes up short. Exponential growth keeps the number of passes
	// logarithmic in the gap between the anchor and the data.
	windowSizeMultiplier = 3

	// maxFetchPasses is a hard ceiling on search iterations, a safety valve
	// against pathological density gaps.
	maxFetchPasses = 10

	// maxFutureSkew is how far past now a floating upper bound may advance,
	// tolerating submitters with slightly fast clocks.
	maxFutureSkew = time.Second
)

// windowSearch is the state of one adaptive range search: current window
// bounds, which bound floats, the user's known span, and progress counters.
// Termination conditions live here so they are testable without a database.
type windowSearch struct {
	from, to     time.Time
	width        time.Duration
	fromFloating bool
	toFloating   bool
	ord          fetchOrder

	minTS, maxTS time.Time
	limit        int
	found        int
	passes       int
}

// newWindowSearch resolves direction and the initial window from the
// caller-supplied bounds. fromTS set means an ascending scan anchored at
// fromTS; toTS set means a descending scan anchored at toTS; neither means
// a descending scan anchored just past the user's newest listen.
func newWindowSearch(fromTS, toTS *time.Time, minTS, maxTS time.Time, limit int) *windowSearch {
	ws := &windowSearch{
		width: defaultFetchWindow,
		minTS: minTS,
		maxTS: maxTS,
		limit: limit,
	}
	if fromTS != nil {
		ws.ord = orderAsc
	}
	switch {
	case fromTS != nil && toTS != nil:
		// Fixed range, no expansion allowed.
		ws.from = *fromTS
		ws.to = *toTS
	case fromTS != nil:
		ws.from = *fromTS
		ws.to = ws.from.Add(ws.width)
		ws.toFloating = true
	case toTS != nil:
		ws.to = *toTS
		ws.from = ws.to.Add(-ws.width)
		ws.fromFloating = true
	default:
		ws.to = maxTS.Add(time.Second)
		ws.from = ws.to.Add(-ws.width)
		ws.fromFloating = true
	}
	return ws
}

// order reports the resolved scan direction: ascending when the caller
// anchored the search at fromTS, descending otherwise.
func (ws *windowSearch) order() fetchOrder { return ws.ord }

// ceilingReached counts a pass and reports whether the hard iteration
// ceiling has been hit.
func (ws *windowSearch) ceilingReached() bool {
	ws.passes++
	return ws.passes >= maxFetchPasses
}

// record accounts rows accumulated by the latest pass.
func (ws *windowSearch) record(n int) { ws.found += n }

// satisfied reports whether enough rows have been accumulated.
func (ws *windowSearch) satisfied() bool { return ws.found >= ws.limit }

// exhausted reports whether the search has nowhere left to look: the range
// is fixed, the floating lower bound receded past the user's oldest listen,
// or the floating upper bound advanced past now plus clock-skew tolerance.
func (ws *windowSearch) exhausted(now time.Time) bool {
	if !ws.fromFloating && !ws.toFloating {
		return true
	}
	if ws.from.Before(ws.minTS.Add(-time.Second)) {
		return true
	}
	if ws.to.After(now.Add(maxFutureSkew)) {
		return true
	}
	return false
}

// expand moves the floating bound outward: the window shifts past the region
// already scanned and triples in width.
func (ws *windowSearch) expand() {
	if ws.toFloating {
		ws.from = ws.from.Add(ws.width - time.Second)
		ws.width *= windowSizeMultiplier
		ws.to = ws.to.Add(ws.width)
	}
	if ws.fromFloating {
		ws.to = ws.to.Add(-ws.width)
		ws.width *= windowSizeMultiplier
		ws.from = ws.from.Add(-ws.width)
	}
}
