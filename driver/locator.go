package driver

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Config is a resolved driver locator.
type Config struct {
	Scheme  string
	Target  string
	Options map[string]string
}

// String renders the config back into locator form with sorted options.
func (c Config) String() string {
	s := c.Scheme + "://" + c.Target
	if len(c.Options) == 0 {
		return s
	}
	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = escapeOption(k) + "=" + escapeOption(c.Options[k])
	}
	return s + "?" + strings.Join(parts, "&")
}

// escapeOption escapes a key or value so Resolve reads it back unchanged.
func escapeOption(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Resolve parses "scheme://target[?k=v&...]" or a bare "target[?k=v&...]". A
// missing or empty scheme selects DefaultScheme. The scheme must match a
// registered variant exactly, and every option key must be one the variant
// recognises. Keys and values are percent-decoded; duplicate keys keep the
// last value.
func Resolve(locator string) (Config, error) {
	fail := func(segment string, err error) (Config, error) {
		return Config{}, &LocatorError{Locator: locator, Segment: segment, Err: err}
	}

	cfg := Config{Scheme: DefaultScheme, Options: map[string]string{}}
	rest := locator
	if scheme, after, found := strings.Cut(locator, "://"); found {
		if scheme != "" {
			cfg.Scheme = scheme
		}
		rest = after
	}
	target, query, _ := strings.Cut(rest, "?")
	cfg.Target = target
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return fail(pair, errors.New("option must be key=value"))
		}
		// path unescaping keeps '+' literal
		key, err := url.PathUnescape(k)
		if err != nil {
			return fail(pair, err)
		}
		val, err := url.PathUnescape(v)
		if err != nil {
			return fail(pair, err)
		}
		cfg.Options[key] = val
	}

	if cfg.Target == "" {
		return fail("target", errors.New("empty target"))
	}
	v, ok := lookup(cfg.Scheme)
	if !ok {
		return fail(cfg.Scheme, ErrUnsupportedScheme)
	}
	for k := range cfg.Options {
		if !v.accepts(k) {
			return fail(k, ErrUnknownOption)
		}
	}
	return cfg, nil
}

func (c Config) badOption(key string, err error) error {
	return &LocatorError{Locator: c.String(), Segment: key, Err: fmt.Errorf("%w: %v", ErrBadOption, err)}
}

// StringOpt returns an option value or def when unset.
func (c Config) StringOpt(key, def string) string {
	if v, ok := c.Options[key]; ok {
		return v
	}
	return def
}

// Bool returns a boolean option or def when unset.
func (c Config) Bool(key string, def bool) (bool, error) {
	v, ok := c.Options[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, c.badOption(key, err)
	}
	return b, nil
}

// Int returns an integer option or def when unset.
func (c Config) Int(key string, def int) (int, error) {
	v, ok := c.Options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, c.badOption(key, err)
	}
	return n, nil
}
