package config

import (
	"fmt"
	"strings"
	"time"
)

// durationField is one duration setting of the config file.
type durationField struct {
	path string
	raw  string
	// def replaces an empty or zero value. Zero leaves it disabled.
	def  time.Duration
	// min is the smallest accepted nonzero value.
	min  time.Duration
	dst  *time.Duration
}

func (f durationField) resolve() error {
	s := strings.TrimSpace(f.raw)
	if s == "" {
		*f.dst = f.def
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", f.path, f.raw, err)
	}
	switch {
	case d < 0:
		return fmt.Errorf("%s: duration must be >= 0, got %s", f.path, d)
	case d == 0:
		d = f.def
	case d < f.min:
		return fmt.Errorf("%s: %s is below the minimum of %s", f.path, d, f.min)
	}
	*f.dst = d
	return nil
}

func resolveDurations(fields ...durationField) []error {
	var errs []error
	for _, f := range fields {
		if err := f.resolve(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
