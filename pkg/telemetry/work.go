package telemetry

import (
	"time"

	"github.com/cmatc13/svckit/pkg/work"
)

// Attribute names used for work record telemetry. Durations are in milliseconds.
const (
	AttrOKCount          = "okCount"
	AttrOKDuration       = "okDuration"
	AttrOKAvgDuration    = "okAvgDuration"
	AttrErrorCount       = "errorCount"
	AttrErrorDuration    = "errorDuration"
	AttrErrorAvgDuration = "errorAvgDuration"
)

// NameSeparator joins a source name and a work name.
const NameSeparator = "."

// FromWorkRecords converts a rolled collection into one Info per work name,
// named "<source>.<work>" and stamped with ts.
func FromWorkRecords(ts time.Time, c *work.RecordCollection) []*Info {
	records := c.Records()
	out := make([]*Info, 0, len(records))
	for _, r := range records {
		info := NewInfoAt(c.Source()+NameSeparator+r.Name, ts)
		info.attrs[AttrOKCount] = r.OKCount
		info.attrs[AttrOKDuration] = r.OKDuration.Milliseconds()
		info.attrs[AttrOKAvgDuration] = r.OKAvgDuration().Milliseconds()
		info.attrs[AttrErrorCount] = r.ErrorCount
		info.attrs[AttrErrorDuration] = r.ErrorDuration.Milliseconds()
		info.attrs[AttrErrorAvgDuration] = r.ErrorAvgDuration().Milliseconds()
		out = append(out, info)
	}
	return out
}
