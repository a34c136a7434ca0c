package telemetry

import (
	"context"
	"regexp"
	"strings"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
)

// Publisher delivers telemetry to a sink.
type Publisher interface {
	Publish(ctx context.Context, info *Info) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, info *Info) error

// Publish calls f(ctx, info).
func (f PublisherFunc) Publish(ctx context.Context, info *Info) error {
	return f(ctx, info)
}

// Mux fans an Info out to every publisher. All publishers are attempted; the
// first error is returned.
type Mux []Publisher

// Publish implements Publisher.
func (m Mux) Publish(ctx context.Context, info *Info) error {
	info.Publish()
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, info); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogPublisher writes each Info as a structured log line.
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a publisher that logs to logger.
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogPublisher{logger: logger.WithField("component", "telemetry")}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, info *Info) error {
	attrs := info.Attributes()
	args := make([]interface{}, 0, len(attrs)*2)
	args = append(args, AttrName, info.Name(), AttrCreatedAt, attrs[AttrCreatedAt])
	for _, k := range info.AttributeNames() {
		args = append(args, k, attrs[k])
	}
	p.logger.Info("telemetry", args...)
	return nil
}

// FilterAction says what a matching filter rule does.
type FilterAction string

const (
	Include FilterAction = "INCLUDE"
	Exclude FilterAction = "EXCLUDE"
)

type filterRule struct {
	action  FilterAction
	pattern *regexp.Regexp
}

// NameFilter decides whether telemetry with a given name is passed on. Rules are
// evaluated in order and the first whose pattern fully matches wins; names that
// match no rule are included.
type NameFilter struct {
	rules []filterRule
}

// ParseNameFilter parses a rule list of the form "INCLUDE:regex,EXCLUDE:regex".
// An empty string yields a filter that includes everything.
func ParseNameFilter(s string) (*NameFilter, error) {
	f := &NameFilter{}
	if strings.TrimSpace(s) == "" {
		return f, nil
	}

	for _, rec := range strings.Split(s, ",") {
		fields := strings.SplitN(strings.TrimSpace(rec), ":", 2)
		if len(fields) != 2 {
			return nil, errors.Wrap(errors.ErrInvalidInput, errors.Sprintf("invalid filter rule %q", rec))
		}
		action := FilterAction(strings.ToUpper(strings.TrimSpace(fields[0])))
		if action != Include && action != Exclude {
			return nil, errors.Wrap(errors.ErrInvalidInput, errors.Sprintf("invalid filter action %q", fields[0]))
		}
		re, err := regexp.Compile("^(?:" + strings.TrimSpace(fields[1]) + ")$")
		if err != nil {
			return nil, errors.Wrap(err, errors.Sprintf("invalid filter pattern %q", fields[1]))
		}
		f.rules = append(f.rules, filterRule{action: action, pattern: re})
	}
	return f, nil
}

// Allows reports whether name passes the filter.
func (f *NameFilter) Allows(name string) bool {
	if f == nil {
		return true
	}
	for _, r := range f.rules {
		if r.pattern.MatchString(name) {
			return r.action == Include
		}
	}
	return true
}

// Filtered wraps next so that only telemetry whose name passes filter reaches it.
func Filtered(filter *NameFilter, next Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, info *Info) error {
		if !filter.Allows(info.Name()) {
			return nil
		}
		return next.Publish(ctx, info)
	})
}
