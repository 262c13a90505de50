package segment

import (
	"sync"
	"time"

	"github.com/lalithlochan/herald/internal/model"
)

// QuietHours suppresses marketing and reminder content while a user's local
// clock is inside [Start, End). The window may wrap midnight.
type QuietHours struct {
	Enabled bool
	Start   int // hour of day, 0-23
	End     int // hour of day, 0-23
}

var locations sync.Map // tz name -> *time.Location

func location(tz string) *time.Location {
	if tz == "" || tz == "Local" {
		return time.UTC
	}
	if loc, ok := locations.Load(tz); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	locations.Store(tz, loc)
	return loc
}

// Applies reports whether quiet hours are enforced for the category.
func (q QuietHours) Applies(c model.Category) bool {
	return q.Enabled && (c == model.CategoryMarketing || c == model.CategoryReminder)
}

// Active reports whether now falls inside the quiet window in timezone tz.
func (q QuietHours) Active(tz string, now time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	h := now.In(location(tz)).Hour()
	if q.Start < q.End {
		return h >= q.Start && h < q.End
	}
	return h >= q.Start || h < q.End
}
