package subscription

import (
	"fmt"
	"strings"
	"time"

	"cupwatch/internal/transport"
)

// ID is the identity triple of a subscription.
type ID struct {
	UserID    int64  `json:"user_id"`
	SubjectID string `json:"subject_id"`
	RequestID string `json:"request_id"`
}

// NewID normalizes subject and request identifiers (trimmed, upper case).
func NewID(userID int64, subjectID, requestID string) ID {
	return ID{
		UserID:    userID,
		SubjectID: NormalizeIdentifier(subjectID),
		RequestID: NormalizeIdentifier(requestID),
	}
}

func NormalizeIdentifier(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%s/%s", id.UserID, id.SubjectID, id.RequestID)
}

func (id ID) Valid() bool {
	return id.SubjectID != "" && id.RequestID != ""
}

// Subscription is the persisted record. The live timer handle is kept by the
// Manager, never here.
type Subscription struct {
	ID          ID                   `json:"id"`
	Destination transport.ChatTarget `json:"destination"`
	// Filters are stored as typed (trimmed, case preserved) and matched
	// case-insensitively. Append-only; empty means match everything.
	Filters   []string  `json:"filters"`
	CreatedAt time.Time `json:"created_at"`
	// Seq is assigned by the store and orders listings by insertion.
	Seq uint64 `json:"seq"`
}

// Clone returns a copy that shares no memory with s.
func (s Subscription) Clone() Subscription {
	out := s
	out.Filters = append(make([]string, 0, len(s.Filters)), s.Filters...)
	return out
}

// Session is the caller's current context for a command: who is asking,
// which (subject, request) pair the command applies to, and where replies
// and notifications go.
type Session struct {
	UserID      int64
	SubjectID   string
	RequestID   string
	Destination transport.ChatTarget
}

func (s Session) ID() ID { return NewID(s.UserID, s.SubjectID, s.RequestID) }

// Record is one availability entry produced by a fetch. Not persisted.
type Record struct {
	Label    string `json:"label"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Location string `json:"location"`
	Note     string `json:"note,omitempty"`
	// Raw is the source's textual representation, used for filter matching.
	Raw string `json:"raw"`
}

// Text is what filters are matched against: Raw, or the joined fields when
// the source supplied no raw text.
func (r Record) Text() string {
	if strings.TrimSpace(r.Raw) != "" {
		return r.Raw
	}
	return strings.Join([]string{r.Label, r.Date, r.Time, r.Location, r.Note}, "\n")
}

// Display renders r as a notification line: service label, then date, time
// and place. "[N]" marks records that carry a note.
func (r Record) Display() string {
	label := strings.TrimSpace(r.Label)
	if label == "" {
		label = labelFromRaw(r.Raw)
	}

	var when []string
	for _, s := range []string{r.Date, r.Time} {
		if s = strings.TrimSpace(s); s != "" {
			when = append(when, s)
		}
	}
	line := strings.Join(when, " ")
	if loc := strings.TrimSpace(r.Location); loc != "" {
		if line != "" {
			line += " - "
		}
		line += loc
	}

	var b strings.Builder
	b.WriteString(label)
	if line != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if strings.TrimSpace(r.Note) != "" {
		b.WriteString("[N]")
	}
	return b.String()
}

// labelFromRaw picks the second paragraph of the raw text, which is where
// the source puts the service name.
func labelFromRaw(raw string) string {
	parts := strings.Split(raw, "\n\n")
	if len(parts) > 1 {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(raw)
}

// CheckResult is the outcome of an on-demand check.
type CheckResult struct {
	ID ID
	// Total is the number of records fetched before filtering.
	Total int
	// Lines holds the rendered matching records, in fetch order.
	Lines []string
	// Subscribed reports whether filters of an existing subscription were applied.
	Subscribed bool
	Filters    []string
}
