package subscription

import "strings"

// Matches reports whether rec passes filters: true when no (non-blank)
// filter is set, or when any filter is a case-insensitive substring of the
// record text.
func Matches(rec Record, filters []string) bool {
	text := ""
	active := false
	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !active {
			active = true
			text = strings.ToLower(rec.Text())
		}
		if strings.Contains(text, strings.ToLower(f)) {
			return true
		}
	}
	return !active
}

// Filter returns the records of recs that pass filters, in order.
func Filter(recs []Record, filters []string) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if Matches(r, filters) {
			out = append(out, r)
		}
	}
	return out
}
