package mindstore

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

func itoa(i int) string {
	return strconv.Itoa(i)
}

const timeLayout = time.RFC3339Nano

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// sortedUnique returns ss sorted with duplicates removed. A fresh slice is
// always returned (never the input aliased), matching the spec's
// sorted-unique invariant on task lists and evidence ids.
func sortedUnique(ss []string) []string {
	if len(ss) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func marshalStrings(ss []string) (string, error) {
	data, err := json.Marshal(sortedUnique(ss))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullableInt64(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
