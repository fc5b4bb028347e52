package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five field cron expression or a descriptor such as
// @hourly or @every 5m.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}
	_, err := cronParser.Parse(e)
	return err
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d+)?)S)?)?$`)

// ParseISODuration parses the day and time part of ISO-8601 durations
// (PnDTnHnMnS). Years, months and weeks are rejected.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, ErrISOFormat
	}
	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}

	var total time.Duration
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		d, err := scale(part, units[i])
		if err != nil {
			return 0, err
		}
		if total > math.MaxInt64-d {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		total += d
	}
	return total, nil
}

func scale(s string, unit time.Duration) (time.Duration, error) {
	whole, frac, _ := strings.Cut(strings.Replace(s, ",", ".", 1), ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing number: %w", err)
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
	}
	d := time.Duration(n) * unit
	if frac != "" {
		if len(frac) > 9 {
			return 0, ErrISOFormat
		}
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing fraction: %w", err)
		}
		d += time.Duration(f * float64(unit))
	}
	return d, nil
}
