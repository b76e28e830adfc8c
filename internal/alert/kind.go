package alert

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the AlertRecord variant.
type Kind uint8

const (
	KindPointHazard Kind = iota + 1
	KindAreaLoss
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind { return []Kind{KindPointHazard, KindAreaLoss} }

func (k Kind) String() string {
	switch k {
	case KindPointHazard:
		return "point_hazard"
	case KindAreaLoss:
		return "area_loss"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Title is the human label used in email subjects and headings.
func (k Kind) Title() string {
	switch k {
	case KindPointHazard:
		return "Hotspot"
	case KindAreaLoss:
		return "Deforestation"
	default:
		return "Unknown"
	}
}

// WebhookType is the "type" field of the webhook body.
func (k Kind) WebhookType() string {
	switch k {
	case KindPointHazard:
		return "hotspot_alert"
	case KindAreaLoss:
		return "deforestation_alert"
	default:
		return ""
	}
}

func (k Kind) Valid() bool { return k == KindPointHazard || k == KindAreaLoss }

// ParseKind accepts the canonical names plus the table-derived aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "point_hazard", "hotspot", "hotspot_alert":
		return KindPointHazard, nil
	case "area_loss", "deforestation", "deforestation_alert":
		return KindAreaLoss, nil
	default:
		return 0, fmt.Errorf("unknown alert kind %q", s)
	}
}

// ZeroID is the watermark used when a table is empty at bootstrap.
func (k Kind) ZeroID() string {
	if k == KindPointHazard {
		return "0"
	}
	return ""
}

// Compare orders two ids of this kind and returns -1, 0 or +1.
//
// Point-hazard ids are store-assigned integers and compare numerically.
//
// Area-loss ids are external event keys. They compare shortlex: the shorter
// key first, then byte-wise. For keys that share a prefix followed by an
// unpadded number this is numeric order on the suffix ("DF-9" < "DF-10"),
// which plain lexicographic order gets wrong. Keys with different prefixes
// still get a total order, but it says nothing about insertion time.
// alertstore expresses the same rule in SQL as (octet_length(id), id).
func (k Kind) Compare(a, b string) int {
	if k == KindPointHazard {
		na, errA := parseNumericID(a)
		nb, errB := parseNumericID(b)
		if errA == nil && errB == nil {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return compareShortlex(a, b)
}

// Less reports whether a sorts strictly before b.
func (k Kind) Less(a, b string) bool { return k.Compare(a, b) < 0 }

// Max returns the greater id under the kind's ordering.
func (k Kind) Max(a, b string) string {
	if k.Less(a, b) {
		return b
	}
	return a
}

func parseNumericID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func compareShortlex(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
