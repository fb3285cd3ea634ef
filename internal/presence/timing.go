package presence

import (
	"time"

	"cleaning-sync-backend/internal/model"
)

// Timing splits elapsed time into on-site and off-site seconds.
type Timing struct {
	ElapsedSeconds int64 `json:"elapsed_seconds"`
	OnSiteSeconds  int64 `json:"on_site_seconds"`
	OffSiteSeconds int64 `json:"off_site_seconds"`
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Aggregate sums segment durations by inside flag. Open segments end at now.
// With a clamp window, segments are clipped to it; an empty or inverted
// window yields zero timing.
func Aggregate(segments []model.ObjectPresenceSegment, now time.Time, clamp *Window) Timing {
	if clamp != nil && !clamp.End.After(clamp.Start) {
		return Timing{}
	}

	var on, off time.Duration
	for _, seg := range segments {
		start := seg.StartedAt
		end := now
		if seg.EndedAt != nil {
			end = *seg.EndedAt
		}
		if clamp != nil {
			if start.Before(clamp.Start) {
				start = clamp.Start
			}
			if end.After(clamp.End) {
				end = clamp.End
			}
		}
		if !end.After(start) {
			continue
		}
		if seg.IsInside {
			on += end.Sub(start)
		} else {
			off += end.Sub(start)
		}
	}

	onSeconds := int64(on / time.Second)
	offSeconds := int64(off / time.Second)
	return Timing{
		ElapsedSeconds: onSeconds + offSeconds,
		OnSiteSeconds:  onSeconds,
		OffSiteSeconds: offSeconds,
	}
}

// ForInterval reports the overlap between the presence segments and the
// interval [start, end). A nil end means the interval is still running.
func ForInterval(segments []model.ObjectPresenceSegment, start time.Time, end *time.Time, now time.Time) Timing {
	stop := now
	if end != nil {
		stop = *end
	}
	return Aggregate(segments, now, &Window{Start: start, End: stop})
}
