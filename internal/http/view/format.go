package view

import (
	"strconv"
	"strings"
)

// NumberFormat controls FormatNumberWith.
type NumberFormat struct {
	Precision int
	// MinThreshold is the smallest value that gets a suffix.
	MinThreshold float64
	// Lower selects k/m/b/t instead of K/M/B/T.
	Lower bool
}

// DefaultNumberFormat renders 1120 as "1.1K".
var DefaultNumberFormat = NumberFormat{Precision: 1, MinThreshold: 1000}

var magnitudes = []struct {
	threshold float64
	suffix    string
}{
	{1e12, "T"},
	{1e9, "B"},
	{1e6, "M"},
	{1e3, "K"},
}

// FormatNumber abbreviates v with a magnitude suffix, e.g. 1500 -> "1.5K".
func FormatNumber(v float64, precision int) string {
	f := DefaultNumberFormat
	f.Precision = precision
	return FormatNumberWith(v, f)
}

// FormatNumberWith abbreviates v according to f.
func FormatNumberWith(v float64, f NumberFormat) string {
	if f.Precision < 0 {
		f.Precision = 0
	}
	if v >= f.MinThreshold {
		for _, m := range magnitudes {
			if v >= m.threshold {
				suffix := m.suffix
				if f.Lower {
					suffix = strings.ToLower(suffix)
				}
				return trimDecimal(v/m.threshold, f.Precision) + suffix
			}
		}
	}
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return trimDecimal(v, f.Precision)
}

// FormatNumberWithOptions parses options of the form
// "precision:2,min_threshold:10000,suffix_style:lower". Unknown keys and
// malformed values keep their defaults.
func FormatNumberWithOptions(v float64, options string) string {
	return FormatNumberWith(v, ParseNumberFormat(options))
}

// ParseNumberFormat reads the option string used by FormatNumberWithOptions.
func ParseNumberFormat(options string) NumberFormat {
	f := DefaultNumberFormat
	for _, opt := range strings.Split(options, ",") {
		key, val, ok := strings.Cut(opt, ":")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch key {
		case "precision":
			if n, err := strconv.Atoi(val); err == nil {
				f.Precision = n
			}
		case "min_threshold":
			if n, err := strconv.Atoi(val); err == nil {
				f.MinThreshold = float64(n)
			}
		case "suffix_style":
			switch strings.ToLower(val) {
			case "lower":
				f.Lower = true
			case "upper":
				f.Lower = false
			}
		}
	}
	return f
}

func trimDecimal(v float64, precision int) string {
	s := strconv.FormatFloat(v, 'f', precision, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
