// Package extract implements the scroll-paginated extraction loop and the
// types shared between it and platform extractors.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/Rorqualx/scrollharvest/internal/browser"
)

// EndReason tells why an extraction loop stopped. The values are part of the
// job result wire format.
type EndReason string

const (
	EndTargetReached         EndReason = "TARGET_REACHED"
	EndConsecutiveDuplicates EndReason = "CONSECUTIVE_DUPLICATES"
	EndMaxScrollReached      EndReason = "MAX_SCROLL_REACHED"
	EndNoMoreContent         EndReason = "NO_MORE_CONTENT"
	EndErrorOccurred         EndReason = "ERROR_OCCURRED"
	EndUserCancelled         EndReason = "USER_CANCELLED"
	EndTimeout               EndReason = "TIMEOUT"
)

// Successful reports whether a job stopping for r counts as completed.
func (r EndReason) Successful() bool {
	switch r {
	case EndTargetReached, EndConsecutiveDuplicates, EndMaxScrollReached, EndNoMoreContent:
		return true
	default:
		return false
	}
}

// Valid reports whether r is one of the known reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndTargetReached, EndConsecutiveDuplicates, EndMaxScrollReached, EndNoMoreContent,
		EndErrorOccurred, EndUserCancelled, EndTimeout:
		return true
	default:
		return false
	}
}

// Skip reasons shared by all platforms.
const (
	SkipMissingID = "missing_id"
)

// Record is one extracted item. ID is the platform's natural key and the
// deduplication key.
type Record struct {
	ID          string            `json:"id"`
	Platform    string            `json:"platform"`
	Target      string            `json:"target"`
	URL         string            `json:"url,omitempty"`
	Author      string            `json:"author,omitempty"`
	Text        string            `json:"text,omitempty"`
	PublishedAt *time.Time        `json:"publishedAt,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	ExtractedAt time.Time         `json:"extractedAt"`
}

// SeenSet is a set of record ids. It is used by one job at a time and is
// not safe for concurrent use.
type SeenSet struct {
	ids map[string]struct{}
}

// NewSeenSet returns a set holding ids.
func NewSeenSet(ids ...string) *SeenSet {
	s := &SeenSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Has reports whether id is in the set.
func (s *SeenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add inserts id and reports whether it was new.
func (s *SeenSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Len returns the number of ids.
func (s *SeenSet) Len() int {
	return len(s.ids)
}

// ViewportResult is what an extractor found in the current viewport.
type ViewportResult struct {
	Accepted               []Record
	DuplicateCount         int
	JobLocalDuplicateCount int
	TotalProcessed         int
	SkipCounters           map[string]int
}

// Candidate is a record found on the page before deduplication.
// SkipReason, when set, drops it without consulting the seen sets.
type Candidate struct {
	Record     Record
	SkipReason string
}

// Classify decides each candidate against the seen sets. An id already in
// jobLocal is a job-local duplicate; else one in persisted is a persisted
// duplicate; else the record is accepted and its id added to both sets.
func Classify(candidates []Candidate, persisted, jobLocal *SeenSet) ViewportResult {
	res := ViewportResult{
		TotalProcessed: len(candidates),
		SkipCounters:   make(map[string]int),
	}

	for _, c := range candidates {
		id := strings.TrimSpace(c.Record.ID)
		switch {
		case c.SkipReason != "":
			res.SkipCounters[c.SkipReason]++
		case id == "":
			res.SkipCounters[SkipMissingID]++
		case jobLocal.Has(id):
			res.JobLocalDuplicateCount++
		case persisted.Has(id):
			res.DuplicateCount++
		default:
			jobLocal.Add(id)
			persisted.Add(id)
			rec := c.Record
			rec.ID = id
			res.Accepted = append(res.Accepted, rec)
		}
	}
	return res
}

// Extractor reads records from a session's page and drives its scrolling.
// ProcessViewport must classify candidates against both seen sets before
// returning, as Classify does.
type Extractor interface {
	ProcessViewport(ctx context.Context, s *browser.Session, target string, persisted, jobLocal *SeenSet) (ViewportResult, error)
	TriggerScroll(ctx context.Context, s *browser.Session) error
	CurrentScrollOffset(ctx context.Context, s *browser.Session) (int, error)
}

// RecordSink persists accepted records.
type RecordSink interface {
	SaveRecords(ctx context.Context, jobID string, records []Record) error
}
