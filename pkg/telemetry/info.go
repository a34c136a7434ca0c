// Package telemetry carries named sets of attributes from producers (work
// monitors, services) to publishers (logs, Redis, Kafka).
package telemetry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/svckit/pkg/errors"
)

// Reserved attribute names.
const (
	AttrName      = "name"
	AttrCreatedAt = "createdAt"
)

// ErrPublished is returned when modifying an Info that has already been published.
var ErrPublished = errors.New("telemetry info already published")

// Info is a named, timestamped set of attributes. It is mutable until Publish is
// called, after which it is frozen and may be shared between publishers.
type Info struct {
	mu        sync.RWMutex
	name      string
	createdAt time.Time
	last      time.Time
	attrs     map[string]interface{}
	published bool
}

// NewInfo creates an Info stamped with the current time.
func NewInfo(name string) *Info {
	return NewInfoAt(name, time.Now())
}

// NewInfoAt creates an Info with an explicit creation time.
func NewInfoAt(name string, createdAt time.Time) *Info {
	if name == "" {
		panic("telemetry: name cannot be empty")
	}
	return &Info{
		name:      name,
		createdAt: createdAt,
		last:      createdAt,
		attrs:     make(map[string]interface{}),
	}
}

// Name returns the telemetry name.
func (i *Info) Name() string { return i.name }

// CreatedAt returns the creation time.
func (i *Info) CreatedAt() time.Time { return i.createdAt }

// Set stores an attribute value.
func (i *Info) Set(attr string, value interface{}) error {
	if err := validateAttr(attr); err != nil {
		return err
	}
	if value == nil {
		return errors.Wrap(errors.ErrInvalidInput, "attribute value cannot be nil")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.published {
		return ErrPublished
	}
	i.attrs[attr] = value
	return nil
}

// Get returns an attribute value. The reserved name and createdAt attributes
// are readable through Get as well.
func (i *Info) Get(attr string) (interface{}, bool) {
	switch attr {
	case AttrName:
		return i.name, true
	case AttrCreatedAt:
		return i.createdAt.UnixMilli(), true
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.attrs[attr]
	return v, ok
}

// Clear removes an attribute.
func (i *Info) Clear(attr string) error {
	if err := validateAttr(attr); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.published {
		return ErrPublished
	}
	delete(i.attrs, attr)
	return nil
}

// MarkDelta stores the milliseconds elapsed since creation or the previous
// MarkDelta call under attr.
func (i *Info) MarkDelta(attr string) error {
	if err := validateAttr(attr); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.published {
		return ErrPublished
	}
	now := time.Now()
	i.attrs[attr] = now.Sub(i.last).Milliseconds()
	i.last = now
	return nil
}

// Publish freezes the Info.
func (i *Info) Publish() {
	i.mu.Lock()
	i.published = true
	i.mu.Unlock()
}

// Published reports whether Publish has been called.
func (i *Info) Published() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.published
}

// AttributeNames returns the non-reserved attribute names in sorted order.
func (i *Info) AttributeNames() []string {
	i.mu.RLock()
	names := make([]string, 0, len(i.attrs))
	for k := range i.attrs {
		names = append(names, k)
	}
	i.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Attributes returns a copy of all attributes including the reserved ones.
func (i *Info) Attributes() map[string]interface{} {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]interface{}, len(i.attrs)+2)
	for k, v := range i.attrs {
		out[k] = v
	}
	out[AttrName] = i.name
	out[AttrCreatedAt] = i.createdAt.UnixMilli()
	return out
}

// MarshalJSON encodes the Info as a flat JSON object.
func (i *Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Attributes())
}

func validateAttr(attr string) error {
	if attr == "" {
		return errors.Wrap(errors.ErrInvalidInput, "attribute name cannot be empty")
	}
	if attr == AttrName || attr == AttrCreatedAt {
		return errors.Wrap(errors.ErrInvalidInput, errors.Sprintf("attribute %q is reserved", attr))
	}
	return nil
}
