package usi

import (
	"fmt"
	"strings"
)

// ParseOption parses "name=value" (or a bare "name") into an Option.
func ParseOption(s string) (Option, error) {
	name, value, _ := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return Option{}, fmt.Errorf("usi: option %q: empty name", s)
	}
	return Option{Name: name, Value: strings.TrimSpace(value)}, nil
}

// OptionFlag collects repeated -option name=value command line flags.
type OptionFlag []Option

func (f *OptionFlag) String() string {
	parts := make([]string, 0, len(*f))
	for _, o := range *f {
		parts = append(parts, o.Name+"="+o.Value)
	}
	return strings.Join(parts, ",")
}

func (f *OptionFlag) Set(s string) error {
	opt, err := ParseOption(s)
	if err != nil {
		return err
	}
	*f = append(*f, opt)
	return nil
}
