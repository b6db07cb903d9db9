package util

import (
	"regexp"
	"strings"
)

var phoneJunk = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone tries to normalize user input into E.164-like format so
// riders get a dialable contact number.
func NormalizePhone(raw string) string {
	s := phoneJunk.ReplaceAllString(strings.TrimSpace(raw), "")

	switch {
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "0") && len(s) == 11:
		s = "+98" + s[1:]
	case strings.HasPrefix(s, "9") && len(s) == 10:
		s = "+98" + s
	case strings.HasPrefix(s, "98"):
		s = "+" + s
	}

	return s
}
