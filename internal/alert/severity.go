package alert

import "strings"

// Severity is the point-hazard category.
type Severity string

const (
	SeveritySafe    Severity = "SAFE"
	SeverityCaution Severity = "CAUTION"
	SeverityWarning Severity = "WARNING"
	SeverityDanger  Severity = "DANGER"
)

// ParseSeverity maps stored category codes (Indonesian or English) to a
// Severity. Unknown codes report ok=false and map to SAFE.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AMAN", "SAFE":
		return SeveritySafe, true
	case "PERHATIAN", "CAUTION":
		return SeverityCaution, true
	case "WASPADA", "WARNING":
		return SeverityWarning, true
	case "BAHAYA", "DANGER":
		return SeverityDanger, true
	default:
		return SeveritySafe, false
	}
}

// Elevated reports whether the category alone makes an alert high priority.
func (s Severity) Elevated() bool { return s == SeverityWarning || s == SeverityDanger }

// Color is the table cell color used in email bodies.
func (s Severity) Color() string {
	switch s {
	case SeverityDanger:
		return "#d9534f"
	case SeverityWarning:
		return "#f0ad4e"
	case SeverityCaution:
		return "#337ab7"
	default:
		return "#5cb85c"
	}
}
