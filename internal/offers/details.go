package offers

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ExpirationLayout is the normalized display form of offer expirations.
const ExpirationLayout = "Jan 02, 2006"

var (
	maxDiscountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)max(?:imum)?[^$]{0,30}\$(\d[\d,]*)`),
		regexp.MustCompile(`(?i)up to[^$]{0,30}\$(\d[\d,]*)`),
		regexp.MustCompile(`(?i)capped at[^$]{0,30}\$(\d[\d,]*)`),
	}
	minSpendPattern = regexp.MustCompile(`(?i)(?:purchase|spend)[^$]{0,25}\$(\d[\d,]*)`)
	discountPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?%|\$\d[\d,]*(?:\.\d{2})?)(?:\s+cash)?\s+(?:back|off)`)
	expiresPattern  = regexp.MustCompile(`(?i)(?:expires?|ends|valid (?:through|until))\s*(?:on|:)?\s*([A-Za-z]{3,9}\.? \d{1,2},\s?\d{4}|\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`)
	numericDate     = regexp.MustCompile(`^\s*(\d{1,2})[/-](\d{1,2})[/-](\d{2,4})\s*$`)
)

// ParseExpiration parses the date formats portals print on offer cards:
//   - "Jan 15, 2025" / "January 15, 2025" (with or without the space after the comma)
//   - "01/15/2025", "1-15-25"
//
// The result is a UTC date at midnight.
func ParseExpiration(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.Replace(s, ".", "", 1))
	if s == "" {
		return time.Time{}, eris.New("empty expiration")
	}

	for _, layout := range []string{"Jan 2, 2006", "January 2, 2006", "Jan 2,2006", "January 2,2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	if m := numericDate.FindStringSubmatch(s); m != nil {
		mm, _ := strconv.Atoi(m[1])
		dd, _ := strconv.Atoi(m[2])
		yy, _ := strconv.Atoi(m[3])
		if yy < 100 {
			yy += 2000
		}
		t := time.Date(yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
		// time.Date normalizes 02/30 into March; reject instead.
		if t.Month() != time.Month(mm) || t.Day() != dd {
			return time.Time{}, eris.Errorf("invalid expiration date '%s'", s)
		}
		return t, nil
	}

	return time.Time{}, eris.Errorf("invalid expiration format '%s'. Use e.g. Jan 15, 2025 or 01/15/2025", s)
}

// ParseDetails extracts merchant, discount, caps and expiration from the
// visible text of an offer card. Missing fields stay empty.
func ParseDetails(text string) OfferDetails {
	var d OfferDetails

	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			d.Merchant = line
			break
		}
	}

	if m := discountPattern.FindStringSubmatch(text); m != nil {
		d.Discount = strings.TrimSpace(m[0])
	}
	for _, p := range maxDiscountPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			d.MaxDiscount = "$" + m[1]
			break
		}
	}
	if m := minSpendPattern.FindStringSubmatch(text); m != nil {
		d.MinSpend = "$" + m[1]
	}
	if m := expiresPattern.FindStringSubmatch(text); m != nil {
		if t, err := ParseExpiration(m[1]); err == nil {
			d.Expiration = &t
		}
	}
	return d
}

// FormatExpiration renders an optional expiration in ExpirationLayout.
func FormatExpiration(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(ExpirationLayout)
}
