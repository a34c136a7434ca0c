// Package intervention keeps a bounded journal of the intervention requests
// raised by services that need operator attention.
package intervention

import (
	"sync"
	"time"

	"github.com/cmatc13/svckit/pkg/logging"
)

// Request is one intervention request.
type Request struct {
	Time    time.Time `json:"time"`
	Service string    `json:"service"`
	Message string    `json:"message"`
}

// Journal is a ring buffer of the most recent requests. It implements
// service.InterventionListener.
type Journal struct {
	mu      sync.Mutex
	entries []Request
	next    int
	full    bool
	total   int
	logger  *logging.Logger
	now     func() time.Time
}

// NewJournal creates a journal holding at most size requests.
func NewJournal(size int, logger *logging.Logger) *Journal {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Journal{
		entries: make([]Request, size),
		logger:  logger.WithField("component", "intervention"),
		now:     time.Now,
	}
}

// RecordInterventionRequest adds a request, evicting the oldest when full.
func (j *Journal) RecordInterventionRequest(service, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[j.next] = Request{Time: j.now(), Service: service, Message: message}
	j.next = (j.next + 1) % len(j.entries)
	if j.next == 0 {
		j.full = true
	}
	j.total++

	j.logger.Warn("intervention request recorded", "service", service, "message", message)
}

// Requests returns the retained requests, oldest first.
func (j *Journal) Requests() []Request {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.full {
		out := make([]Request, j.next)
		copy(out, j.entries[:j.next])
		return out
	}
	out := make([]Request, 0, len(j.entries))
	out = append(out, j.entries[j.next:]...)
	return append(out, j.entries[:j.next]...)
}

// Total returns the number of requests ever recorded.
func (j *Journal) Total() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}
