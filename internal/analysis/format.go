package analysis

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Money formats an amount with thousands separators and two decimals,
// e.g. 5000000 -> "5,000,000.00".
func Money(v float64) string {
	return printer.Sprintf("%.2f", v)
}

// Whole formats an amount with thousands separators and no decimals.
func Whole(v float64) string {
	return printer.Sprintf("%.0f", v)
}

// Lakh formats a whole amount in the Indian grouping used for rupee
// figures, e.g. 200000 -> "2,00,000".
func Lakh(v float64) string {
	n := int64(math.Round(math.Abs(v)))
	s := strconv.FormatInt(n, 10)
	sign := ""
	if v < 0 {
		sign = "-"
	}
	if len(s) <= 3 {
		return sign + s
	}

	head, tail := s[:len(s)-3], s[len(s)-3:]
	var groups []string
	for len(head) > 2 {
		groups = append([]string{head[len(head)-2:]}, groups...)
		head = head[:len(head)-2]
	}
	groups = append([]string{head}, groups...)
	return sign + strings.Join(groups, ",") + "," + tail
}
