package work

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_RecordAndRoll(t *testing.T) {
	m := NewMonitor("mailer")
	assert.Equal(t, "mailer", m.Source())

	m.RecordOK("send", 10*time.Millisecond)
	m.RecordOK("send", 30*time.Millisecond)
	m.RecordError("send", 5*time.Millisecond)
	m.RecordOK("bounce", time.Millisecond)

	c := m.Roll()
	require.NotNil(t, c)
	assert.Equal(t, "mailer", c.Source())
	assert.False(t, c.End().IsZero())
	assert.False(t, c.End().Before(c.Start()))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"bounce", "send"}, c.Names())

	send, ok := c.Record("send")
	require.True(t, ok)
	assert.Equal(t, int64(2), send.OKCount)
	assert.Equal(t, 40*time.Millisecond, send.OKDuration)
	assert.Equal(t, 20*time.Millisecond, send.OKAvgDuration())
	assert.Equal(t, int64(1), send.ErrorCount)
	assert.Equal(t, 5*time.Millisecond, send.ErrorAvgDuration())

	_, ok = c.Record("missing")
	assert.False(t, ok)

	// The next collection starts empty.
	next := m.Roll()
	assert.Equal(t, 0, next.Len())
	assert.Empty(t, next.Records())
}

func TestRecord_ZeroAverages(t *testing.T) {
	var r Record
	assert.Zero(t, r.OKAvgDuration())
	assert.Zero(t, r.ErrorAvgDuration())
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m := NewMonitor("svc")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordOK("work", time.Microsecond)
			}
		}()
	}
	wg.Wait()

	r, ok := m.Roll().Record("work")
	require.True(t, ok)
	assert.Equal(t, int64(800), r.OKCount)
	assert.Equal(t, 800*time.Microsecond, r.OKDuration)
}

func TestMonitor_RejectsEmptyNames(t *testing.T) {
	assert.Panics(t, func() { NewMonitor("") })
	m := NewMonitor("svc")
	assert.Panics(t, func() { m.RecordOK("", time.Second) })
}
