package quota

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DayKeyLayout is the layout of State keys: the UTC calendar date.
const DayKeyLayout = "2006-01-02"

// DayKey returns the state key for the UTC calendar day containing t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayKeyLayout)
}

// Usage is the per-class accounting for one day.
type Usage struct {
	// Count is the number of released (completed) requests.
	Count int
	// LastRequest is the reserved start time of the most recent request,
	// in fractional Unix seconds.
	LastRequest float64
}

// LastRequestTime converts LastRequest to a time.Time. The zero Usage
// yields the zero time.
func (u Usage) LastRequestTime() time.Time {
	if u.LastRequest == 0 {
		return time.Time{}
	}
	sec := int64(u.LastRequest)
	nsec := int64((u.LastRequest - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Unix converts t to fractional Unix seconds.
func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// DayRecord holds the usage of every request class for one day, keyed by
// class name.
//
// On disk a record is a flat object, one pair of keys per class:
//
//	{"csv_count": 12, "last_csv_ts": 1718000000.5, "noncsv_count": 0, "last_noncsv_ts": 0}
type DayRecord map[string]Usage

// Get returns the usage for class, or the zero Usage when the class has no
// activity on this day yet.
func (d DayRecord) Get(class string) Usage {
	if d == nil {
		return Usage{}
	}
	return d[class]
}

func countKey(class string) string { return class + "_count" }
func tsKey(class string) string    { return "last_" + class + "_ts" }

// MarshalJSON writes the flat on-disk form.
func (d DayRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]float64, len(d)*2)
	for class, u := range d {
		flat[countKey(class)] = float64(u.Count)
		flat[tsKey(class)] = u.LastRequest
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat on-disk form. Unknown keys are rejected so a
// file written by something else fails loudly instead of silently dropping
// quota accounting.
func (d *DayRecord) UnmarshalJSON(b []byte) error {
	var flat map[string]float64
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	out := make(DayRecord)
	for k, v := range flat {
		switch {
		case strings.HasSuffix(k, "_count"):
			class := strings.TrimSuffix(k, "_count")
			if v < 0 || v != float64(int(v)) {
				return fmt.Errorf("invalid count %v for %s", v, k)
			}
			u := out[class]
			u.Count = int(v)
			out[class] = u
		case strings.HasPrefix(k, "last_") && strings.HasSuffix(k, "_ts"):
			class := strings.TrimSuffix(strings.TrimPrefix(k, "last_"), "_ts")
			u := out[class]
			u.LastRequest = v
			out[class] = u
		default:
			return fmt.Errorf("unknown key %q", k)
		}
	}
	*d = out
	return nil
}

// State maps day keys to their records. It only ever grows: past days are
// never pruned.
type State map[string]DayRecord

// Day returns the record for key, or nil if the day has no activity.
func (s State) Day(key string) DayRecord {
	if s == nil {
		return nil
	}
	return s[key]
}

// Update applies fn to the usage of class on day key, creating the day
// record when it does not exist yet.
func (s State) Update(key, class string, fn func(*Usage)) {
	rec, ok := s[key]
	if !ok {
		rec = make(DayRecord)
		s[key] = rec
	}
	u := rec[class]
	fn(&u)
	rec[class] = u
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for day, rec := range s {
		cp := make(DayRecord, len(rec))
		for class, u := range rec {
			cp[class] = u
		}
		out[day] = cp
	}
	return out
}

// Days returns the day keys in ascending order.
func (s State) Days() []string {
	days := make([]string, 0, len(s))
	for k := range s {
		days = append(days, k)
	}
	sort.Strings(days)
	return days
}
