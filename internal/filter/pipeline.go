package filter

import (
	"regexp"

	"github.com/OliverMidbrink/cwb/internal/domain"
)

// Pipeline chains pattern, exclude, and where filters in match order:
// include pattern first, then excludes, then where clauses.
type Pipeline struct {
	pattern  *regexp.Regexp
	excludes []*regexp.Regexp
	where    *WhereFilter
}

// NewPipeline builds a pipeline. It returns nil when no filters are given;
// a nil pipeline matches everything.
func NewPipeline(pattern *regexp.Regexp, excludes []*regexp.Regexp, where *WhereFilter) *Pipeline {
	if pattern == nil && len(excludes) == 0 && where == nil {
		return nil
	}
	return &Pipeline{pattern: pattern, excludes: excludes, where: where}
}

// Match reports whether a console line passes every stage.
func (p *Pipeline) Match(line *domain.ConsoleLine) bool {
	if p == nil {
		return true
	}
	if p.pattern != nil && !p.pattern.MatchString(line.Text) {
		return false
	}
	for _, ex := range p.excludes {
		if ex.MatchString(line.Text) {
			return false
		}
	}
	if p.where != nil && !p.where.Match(line) {
		return false
	}
	return true
}
