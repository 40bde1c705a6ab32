// Package plugins holds the built-in plugins the CLI and gateway register.
package plugins

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"gokernel/internal/kernel"
)

type timeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA time zone name, for example Europe/Paris; defaults to UTC"`
}

// Time returns the time plugin. now is the clock; nil means time.Now.
func Time(now func() time.Time) (*kernel.Plugin, error) {
	if now == nil {
		now = time.Now
	}

	current, err := kernel.NewFunction("now", "Returns the current date and time in RFC 3339 format.",
		func(ctx context.Context, args timeArgs) (any, error) {
			t, err := inZone(now(), args.Timezone)
			if err != nil {
				return nil, err
			}
			return t.Format(time.RFC3339), nil
		})
	if err != nil {
		return nil, err
	}

	today, err := kernel.NewFunction("today", "Returns today's date as YYYY-MM-DD along with the weekday.",
		func(ctx context.Context, args timeArgs) (any, error) {
			t, err := inZone(now(), args.Timezone)
			if err != nil {
				return nil, err
			}
			return t.Format("2006-01-02 (Monday)"), nil
		})
	if err != nil {
		return nil, err
	}

	return kernel.NewPlugin("time", "Current date and time.", current, today)
}

func inZone(t time.Time, name string) (time.Time, error) {
	if name == "" {
		return t.UTC(), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q", name)
	}
	return t.In(loc), nil
}
