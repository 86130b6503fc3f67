// Package delivery holds the sent -> delivered -> read progression of a
// single message or reply. It is independent of mailbox triage status.
package delivery

import "fmt"

type Status string

const (
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
)

// Rank orders statuses: sent < delivered < read. Unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	default:
		return 0
	}
}

func (s Status) Valid() bool { return s.Rank() > 0 }

func (s Status) String() string { return string(s) }

func Parse(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown delivery status %q", v)
	}
	return s, nil
}

// Advance moves current toward target. Only forward moves change state;
// sent may jump straight to read. Any target at or below current, or an
// unknown target, returns current with changed=false so retried and
// duplicate acknowledgements are harmless.
func Advance(current, target Status) (next Status, changed bool) {
	if !target.Valid() || target.Rank() <= current.Rank() {
		return current, false
	}
	return target, true
}
