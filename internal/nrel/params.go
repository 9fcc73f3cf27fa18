package nrel

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Params are the query parameters passed through to the API unchanged.
type Params struct {
	APIKey     string
	WKT        string
	Attributes string
	Interval   int
	UTC        string
	LeapDay    string

	// Asynchronous requests also identify the requester.
	FullName    string
	Email       string
	Affiliation string
	Reason      string
}

// Values returns the query for a direct download of names (a year or a
// comma-separated year list). Empty parameters are omitted.
func (p Params) Values(names string) url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("api_key", p.APIKey)
	set("wkt", p.WKT)
	set("attributes", p.Attributes)
	set("names", names)
	if p.Interval > 0 {
		v.Set("interval", strconv.Itoa(p.Interval))
	}
	set("utc", p.UTC)
	set("leap_day", p.LeapDay)
	return v
}

// AsyncValues extends Values with the requester metadata.
func (p Params) AsyncValues(names string) url.Values {
	v := p.Values(names)
	for k, val := range map[string]string{
		"full_name":   p.FullName,
		"email":       p.Email,
		"affiliation": p.Affiliation,
		"reason":      p.Reason,
	} {
		if val != "" {
			v.Set(k, val)
		}
	}
	return v
}

// JoinYears renders years as the API's comma-separated names list.
func JoinYears(years []int) string {
	s := make([]string, len(years))
	for i, y := range years {
		s[i] = strconv.Itoa(y)
	}
	return strings.Join(s, ",")
}

// ParsePointWKT parses "POINT(lon lat)".
func ParsePointWKT(wkt string) (lon, lat float64, err error) {
	s := strings.TrimSpace(wkt)
	if !strings.HasPrefix(strings.ToUpper(s), "POINT(") || !strings.HasSuffix(s, ")") {
		return 0, 0, fmt.Errorf("wkt %q: must be POINT(lon lat)", wkt)
	}
	parts := strings.Fields(s[len("POINT(") : len(s)-1])
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("wkt %q: want 2 coordinates, got %d", wkt, len(parts))
	}
	if lon, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return 0, 0, fmt.Errorf("wkt %q: longitude: %w", wkt, err)
	}
	if lat, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return 0, 0, fmt.Errorf("wkt %q: latitude: %w", wkt, err)
	}
	return lon, lat, nil
}

// DatasetSlug returns the last segment of a dataset path, e.g.
// "wind-toolkit/v2/wind/wtk-download" gives "wtk-download".
func DatasetSlug(datasetPath string) string {
	p := strings.Trim(datasetPath, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// RawFilePath names the file for one (dataset, year, point) download.
func RawFilePath(dir, slug string, year int, lon, lat float64) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d_%.4f_%.4f.csv", slug, year, lon, lat))
}
