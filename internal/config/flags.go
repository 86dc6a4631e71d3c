package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// RegisterFlags defines one flag per configuration key on fs, using the
// built-in defaults for help output.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	for _, b := range d.bindings() {
		name := flagName(b.key)
		switch p := b.ptr.(type) {
		case *string:
			fs.String(name, *p, b.usage)
		case *int:
			fs.Int(name, *p, b.usage)
		case *float64:
			fs.Float64(name, *p, b.usage)
		case *bool:
			fs.Bool(name, *p, b.usage)
		case *time.Duration:
			fs.Duration(name, *p, b.usage)
		case *[]string:
			fs.StringSlice(name, *p, b.usage)
		}
	}
}

// ApplyFlags copies the flags set explicitly on fs into c. Flags left at
// their defaults do not override file or environment values.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	byName := make(map[string]binding)
	for _, b := range c.bindings() {
		byName[flagName(b.key)] = b
	}

	var err error
	fs.Visit(func(f *pflag.Flag) {
		b, ok := byName[f.Name]
		if !ok || err != nil {
			return
		}
		if list, ok := b.ptr.(*[]string); ok {
			*list, err = fs.GetStringSlice(f.Name)
		} else {
			err = b.set(f.Value.String())
		}
		if err != nil {
			err = fmt.Errorf("--%s: %w", f.Name, err)
		}
	})
	return err
}
