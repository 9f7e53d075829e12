package segmenter

import "fmt"

// State is the segmenter lifecycle state.
type State int32

const (
	Starting State = iota
	Running
	Rotating
	Draining
	Stopped
	Stalled
	Overflowed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Rotating:
		return "rotating"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Stalled:
		return "stalled"
	case Overflowed:
		return "overflowed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// faultDetector is fed once per stat interval. An interval in which the
// video leg moved no bytes in or no bytes out counts toward a stall. An
// interval ending with more than ceiling bytes buffered on a leg counts
// toward that leg's overflow. Each counter resets on a healthy interval.
type faultDetector struct {
	stallMax    int
	overflowMax int
	ceiling     int

	stall    int
	overflow map[string]int
}

// level is the number of bytes a leg holds at the end of an interval.
type level struct {
	leg      string
	buffered int
}

func (d *faultDetector) observe(in, out int64, levels ...level) error {
	if in == 0 || out == 0 {
		d.stall++
	} else {
		d.stall = 0
	}
	if d.overflow == nil {
		d.overflow = make(map[string]int, len(levels))
	}
	for _, l := range levels {
		if d.ceiling > 0 && l.buffered > d.ceiling {
			d.overflow[l.leg]++
		} else {
			d.overflow[l.leg] = 0
		}
	}

	if d.stallMax > 0 && d.stall >= d.stallMax {
		return fmt.Errorf("%w: %d consecutive intervals without throughput", ErrStall, d.stall)
	}
	if d.overflowMax <= 0 {
		return nil
	}
	for _, l := range levels {
		if n := d.overflow[l.leg]; n >= d.overflowMax {
			return fmt.Errorf("%w: %s leg held %d bytes for %d intervals", ErrOverflow, l.leg, l.buffered, n)
		}
	}
	return nil
}
