package ruleengine

import (
	"log/slog"
	"regexp"

	"github.com/maypok86/otter"
)

// regexCache keeps compiled condition patterns. Patterns are immutable once a
// flag is published, so entries never need invalidation, only eviction.
type regexCache struct {
	store  otter.Cache[string, *regexp.Regexp]
	logger *slog.Logger
}

func newRegexCache(capacity int, logger *slog.Logger) (*regexCache, error) {
	store, err := otter.MustBuilder[string, *regexp.Regexp](capacity).Build()
	if err != nil {
		return nil, err
	}
	return &regexCache{store: store, logger: logger}, nil
}

// compile returns the case-insensitive compiled form of pattern.
func (c *regexCache) compile(pattern string) (*regexp.Regexp, bool) {
	if re, ok := c.store.Get(pattern); ok {
		return re, true
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		c.logger.Debug("invalid condition pattern", slog.String("pattern", pattern), slog.String("error", err.Error()))
		return nil, false
	}
	c.store.Set(pattern, re)
	return re, true
}

func (c *regexCache) match(attribute, pattern string) bool {
	re, ok := c.compile(pattern)
	return ok && re.MatchString(attribute)
}

// notMatch is false for invalid patterns: a broken pattern matches nothing either way.
func (c *regexCache) notMatch(attribute, pattern string) bool {
	re, ok := c.compile(pattern)
	return ok && !re.MatchString(attribute)
}

func (c *regexCache) close() {
	c.store.Close()
}
