// Package dateshift moves calendar dates found in clinical text by a fixed
// offset of months and days while keeping the textual format of the input.
//
// Supported inputs are DD.MM.YY, DD.MM.YYYY, DD/MM/YYYY, DD-MM-YYYY and
// YYYY-MM-DD. Two-digit years below 50 map to 20xx, all others to 19xx.
// A value that cannot be parsed or shifted is returned unchanged.
package dateshift

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openredact/clinical/pkg/logger"
)

const (
	minYear = 1
	maxYear = 9999

	// Offsets beyond these can never land inside [minYear, maxYear].
	maxShiftMonths = 12 * maxYear
	maxShiftDays   = 366 * maxYear
)

var separators = []string{".", "/", "-"}

// Shifter applies one month and day offset to every date it is given.
type Shifter struct {
	months int
	days   int
	logger *zap.Logger
}

// New creates a Shifter. Months are applied first, then days.
func New(months, days int, log *zap.Logger) *Shifter {
	return &Shifter{
		months: months,
		days:   days,
		logger: logger.OrNop(log),
	}
}

// Months returns the month offset.
func (s *Shifter) Months() int { return s.months }

// Days returns the day offset.
func (s *Shifter) Days() int { return s.days }

type civil struct {
	year, month, day int
}

// Shift returns date moved by the configured offset. groups, when it holds
// the three numeric components captured by the detector, decides the
// component order without re-splitting the string.
func (s *Shifter) Shift(date string, groups []string) string {
	sep, parts, ok := split(date)
	if !ok {
		s.logger.Warn("unsupported date format, keeping original", logger.Text("date", date))
		return date
	}
	components := parts
	if numeric(groups) {
		components = groups
	}

	c, ok := parse(sep, components)
	if !ok {
		s.logger.Warn("invalid date, keeping original", logger.Text("date", date))
		return date
	}

	shifted, ok := s.apply(c)
	if !ok {
		s.logger.Warn("shifted date out of range, keeping original",
			logger.Text("date", date),
			zap.Int("months", s.months),
			zap.Int("days", s.days),
		)
		return date
	}

	return format(shifted, date, sep, parts)
}

func split(date string) (string, []string, bool) {
	for _, sep := range separators {
		if !strings.Contains(date, sep) {
			continue
		}
		if parts := strings.Split(date, sep); len(parts) == 3 {
			return sep, parts, true
		}
	}
	return "", nil, false
}

func numeric(groups []string) bool {
	if len(groups) != 3 {
		return false
	}
	for _, g := range groups {
		if g == "" {
			return false
		}
		for _, r := range g {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func parse(sep string, parts []string) (civil, bool) {
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return civil{}, false
		}
		nums[i] = n
	}

	var c civil
	if sep != "." && len(strings.TrimSpace(parts[0])) == 4 {
		c = civil{year: nums[0], month: nums[1], day: nums[2]}
	} else {
		c = civil{day: nums[0], month: nums[1], year: nums[2]}
	}

	if c.year < 100 {
		if c.year < 50 {
			c.year += 2000
		} else {
			c.year += 1900
		}
	}

	if c.year < minYear || c.year > maxYear || c.month < 1 || c.month > 12 {
		return civil{}, false
	}
	if c.day < 1 || c.day > daysIn(c.year, c.month) {
		return civil{}, false
	}
	return c, true
}

// daysIn returns the length of month in year under the Gregorian rule.
func daysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (s *Shifter) apply(c civil) (time.Time, bool) {
	if s.months > maxShiftMonths || s.months < -maxShiftMonths ||
		s.days > maxShiftDays || s.days < -maxShiftDays {
		return time.Time{}, false
	}

	m := c.month - 1 + s.months
	year := c.year + floorDiv(m, 12)
	month := m - floorDiv(m, 12)*12 + 1
	if year < minYear || year > maxYear {
		return time.Time{}, false
	}

	day := c.day
	if last := daysIn(year, month); day > last {
		day = last
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, s.days)
	if t.Year() < minYear || t.Year() > maxYear {
		return time.Time{}, false
	}
	return t, true
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func format(t time.Time, original, sep string, parts []string) string {
	switch sep {
	case ".":
		if len(parts[2]) == 2 {
			return fmt.Sprintf("%02d.%02d.%02d", t.Day(), int(t.Month()), t.Year()%100)
		}
		return fmt.Sprintf("%02d.%02d.%04d", t.Day(), int(t.Month()), t.Year())
	case "/":
		return fmt.Sprintf("%02d/%02d/%04d", t.Day(), int(t.Month()), t.Year())
	default:
		if strings.HasPrefix(original, "19") || strings.HasPrefix(original, "20") {
			return fmt.Sprintf("%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day())
		}
		return fmt.Sprintf("%02d-%02d-%04d", t.Day(), int(t.Month()), t.Year())
	}
}
