package replay

// Verdict classifies an inbound envelope id.
type Verdict int

const (
	// Accept: the id is the next expected one.
	Accept Verdict = iota
	// Duplicate: already processed; drop it.
	Duplicate
	// Gap: ids were skipped; ask the sender to replay.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	}
	return "unknown"
}

// Watermark tracks the highest inbound id processed for one project.
type Watermark struct {
	last uint64
}

// Observe classifies id and advances the watermark when it is accepted.
func (w *Watermark) Observe(id uint64) Verdict {
	switch {
	case id <= w.last:
		return Duplicate
	case id == w.last+1:
		w.last = id
		return Accept
	default:
		return Gap
	}
}

func (w *Watermark) Last() uint64 { return w.last }

// Set moves the watermark, e.g. when restoring a project.
func (w *Watermark) Set(id uint64) { w.last = id }
