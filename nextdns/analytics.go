// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package nextdns

// Status categories consumed from the analytics breakdown. Other categories
// (e.g. "allowed" for allowlisted domains, "relayed") are ignored.
const (
	StatusBlocked = "blocked"
	StatusDefault = "default"
)

// Snapshot holds the counters derived from one analytics response.
type Snapshot struct {
	Total   float64
	Blocked float64
	Allowed float64
}

// Summarize extracts the blocked and default counts (0 when absent) and
// derives the total as their sum. The first row of each category wins.
func Summarize(counts []StatusCount) Snapshot {
	var snap Snapshot
	var seenBlocked, seenDefault bool

	for _, c := range counts {
		switch {
		case c.Status == StatusBlocked && !seenBlocked:
			snap.Blocked = c.Queries
			seenBlocked = true
		case c.Status == StatusDefault && !seenDefault:
			snap.Allowed = c.Queries
			seenDefault = true
		}
	}

	snap.Total = snap.Blocked + snap.Allowed
	return snap
}
