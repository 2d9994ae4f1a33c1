package resource

import (
	"strings"

	"calsync/pkg/exception"
)

// CalendarPrefix is the path prefix of every subscribable calendar resource.
const CalendarPrefix = "/calendars/"

// CalendarPath maps a calendar id ("cal1" or "owner/cal1") to its resource path.
func CalendarPath(id string) string {
	return CalendarPrefix + id
}

// CalendarPaths maps ids to paths, keeping order.
func CalendarPaths(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = CalendarPath(id)
	}
	return out
}

// ParseCalendarPath is the inverse of CalendarPath.
// The id must be non-empty and must not contain empty segments.
func ParseCalendarPath(path string) (string, error) {
	if !strings.HasPrefix(path, CalendarPrefix) {
		return "", exception.ErrMalformedPath
	}
	id := strings.TrimPrefix(path, CalendarPrefix)
	if id == "" {
		return "", exception.ErrMalformedPath
	}
	for _, segment := range strings.Split(id, "/") {
		if segment == "" {
			return "", exception.ErrMalformedPath
		}
	}
	return id, nil
}

// CalendarContext is the hint handed to the dispatch boundary with each flushed resource.
type CalendarContext struct {
	ID        string
	Owner     string
	Name      string
	Temporary bool
}

// CalendarIndex resolves calendar ids to their context.
type CalendarIndex interface {
	Lookup(id string) (CalendarContext, bool)
}

// SetIndex treats every id of a set as a known, non-temporary calendar.
type SetIndex Set

func (s SetIndex) Lookup(id string) (CalendarContext, bool) {
	if !Set(s).Has(id) {
		return CalendarContext{}, false
	}
	return CalendarContext{ID: id, Owner: ownerOf(id)}, true
}

func ownerOf(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return ""
}
