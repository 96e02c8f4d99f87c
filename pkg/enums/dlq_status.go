package enums

import "fmt"

// DLQStatus tracks the lifecycle of a dead-letter entry.
type DLQStatus string

const (
	DLQStatusRetrying  DLQStatus = "retrying"
	DLQStatusPending   DLQStatus = "pending"
	DLQStatusResolved  DLQStatus = "resolved"
	DLQStatusDiscarded DLQStatus = "discarded"
)

var validDLQStatuses = []DLQStatus{
	DLQStatusRetrying,
	DLQStatusPending,
	DLQStatusResolved,
	DLQStatusDiscarded,
}

// String implements fmt.Stringer.
func (s DLQStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known status.
func (s DLQStatus) IsValid() bool {
	for _, candidate := range validDLQStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the entry's lifecycle.
func (s DLQStatus) IsTerminal() bool {
	return s == DLQStatusResolved || s == DLQStatusDiscarded
}

// ParseDLQStatus converts raw input into a DLQStatus.
func ParseDLQStatus(value string) (DLQStatus, error) {
	for _, candidate := range validDLQStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dlq status %q", value)
}
