// Package drivers builds instrument drivers by name from configuration.
package drivers

import (
	"fmt"
	"sort"
	"time"

	"seasieve/pkg/config"
	"seasieve/pkg/drivers/ctdwfp"
	"seasieve/pkg/drivers/ratframe"
	"seasieve/pkg/drivers/sbe37"
	"seasieve/pkg/errs"
	"seasieve/pkg/parser"
)

type factory func(cfg config.Config, clock func() time.Time) (parser.Driver, error)

var factories = map[string]factory{
	ctdwfp.Name: func(cfg config.Config, clock func() time.Time) (parser.Driver, error) {
		return ctdwfp.New(cfg.Parser.InstrumentID, ctdwfp.WithClock(clock)), nil
	},
	sbe37.Name: func(cfg config.Config, clock func() time.Time) (parser.Driver, error) {
		return sbe37.New(cfg.Parser.InstrumentID, sbe37.WithClock(clock)), nil
	},
	ratframe.Name: func(cfg config.Config, clock func() time.Time) (parser.Driver, error) {
		tables, err := cfg.FieldTables()
		if err != nil {
			return nil, err
		}
		return ratframe.New(cfg.Parser.InstrumentID, tables,
			ratframe.WithClock(clock),
			ratframe.WithTextID(uint8(cfg.Parser.TextID)),
			ratframe.WithStrictSize(cfg.Parser.StrictSize),
		), nil
	},
}

// Names lists the registered drivers in sorted order.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup builds the driver named by name. A nil clock means time.Now.
func Lookup(name string, cfg config.Config, clock func() time.Time) (parser.Driver, error) {
	build, ok := factories[name]
	if !ok {
		return nil, errs.New(errs.KindConfiguration, "drivers", "unknown driver %q (known: %v)", name, Names())
	}
	if clock == nil {
		clock = time.Now
	}
	drv, err := build(cfg, clock)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "drivers", fmt.Errorf("build %s: %w", name, err))
	}
	return drv, nil
}
