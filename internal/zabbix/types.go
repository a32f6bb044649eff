// Package zabbix implements the monitoring-data integration layer: session
// lifecycle against the Zabbix JSON-RPC API and typed queries returning
// normalized domain records.
package zabbix

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Severity is the ordered problem severity classification.
type Severity int

// Severity levels, least to most urgent. The numeric values match the
// Zabbix wire encoding.
const (
	SeverityNotClassified Severity = iota
	SeverityInformation
	SeverityWarning
	SeverityAverage
	SeverityHigh
	SeverityDisaster
)

var severityNames = map[Severity]string{
	SeverityNotClassified: "not classified",
	SeverityInformation:   "information",
	SeverityWarning:       "warning",
	SeverityAverage:       "average",
	SeverityHigh:          "high",
	SeverityDisaster:      "disaster",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity converts a wire severity value to the typed enum.
// Values outside the known range fail closed with ErrSchema.
func ParseSeverity(raw string) (Severity, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("severity %q: %w", raw, ErrSchema)
	}
	s := Severity(n)
	if _, ok := severityNames[s]; !ok {
		return 0, fmt.Errorf("severity %d outside known levels: %w", n, ErrSchema)
	}
	return s, nil
}

// Availability is the host reachability status reported by the server.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityUp
	AvailabilityDown
)

func (a Availability) String() string {
	switch a {
	case AvailabilityUp:
		return "up"
	case AvailabilityDown:
		return "down"
	default:
		return "unknown"
	}
}

func parseAvailability(raw string) (Availability, error) {
	switch raw {
	case "0":
		return AvailabilityUnknown, nil
	case "1":
		return AvailabilityUp, nil
	case "2":
		return AvailabilityDown, nil
	default:
		return 0, fmt.Errorf("availability %q: %w", raw, ErrSchema)
	}
}

// Problem is an immutable snapshot of one unresolved problem. Snapshots
// are superseded by the next fetch, never mutated in place.
type Problem struct {
	ID           string
	Name         string
	Severity     Severity
	Host         string
	StartedAt    time.Time
	Acknowledged bool
}

// Host is one monitored host with its currently open problems attached
// by id.
type Host struct {
	ID           string
	Name         string
	Availability Availability
	ProblemIDs   []string
}

// MetricSample is one timestamped value of an item's history.
type MetricSample struct {
	Timestamp time.Time
	Value     float64
}

// sortProblems orders by severity descending, then start time ascending,
// so the most severe and longest-standing problems come first.
func sortProblems(problems []Problem) {
	sort.SliceStable(problems, func(i, j int) bool {
		if problems[i].Severity != problems[j].Severity {
			return problems[i].Severity > problems[j].Severity
		}
		return problems[i].StartedAt.Before(problems[j].StartedAt)
	})
}

// CountBySeverity groups problems into per-severity counts for the
// compact status summary.
func CountBySeverity(problems []Problem) map[Severity]int {
	counts := make(map[Severity]int)
	for _, p := range problems {
		counts[p.Severity]++
	}
	return counts
}
