package munger

// convert.go cleans raw cell text.
//
// Result files are exported by spreadsheets and election-management systems
// that leave artifacts behind: Excel formula prefixes (="01"), stray quotes,
// thousands separators and trailing ".0" on integer counts.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// countRegex matches an optionally signed integer with an all-zero fraction.
var countRegex = regexp.MustCompile(`^[+-]?\d+(\.0*)?$`)

// CleanCell removes common export artifacts from a cell value:
// surrounding whitespace, the Excel ="..." prefix and surrounding quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// ParseCount parses a vote count. ok is false for an empty cell; a
// non-empty cell that is not an integer is an error.
func ParseCount(s string) (n int64, ok bool, err error) {
	s = CleanCell(s)
	if s == "" {
		return 0, false, nil
	}

	// Accounting negatives "(12)" appear in correction files.
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")

	if !countRegex.MatchString(s) {
		return 0, false, fmt.Errorf("invalid number %q", s)
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid number %q: %w", s, err)
	}
	if negative {
		n = -n
	}
	return n, true, nil
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
