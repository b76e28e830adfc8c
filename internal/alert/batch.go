package alert

import (
	"sort"
	"strings"
	"time"
)

// Subscriber owns areas of interest and receives their alerts.
type Subscriber struct {
	ID      string
	Email   string
	Name    string
	AreaIDs []string
}

// NotificationSetting is the per-subscriber channel configuration.
type NotificationSetting struct {
	EmailEnabled       bool
	PushEnabled        bool
	PointHazardEnabled bool
	AreaLossEnabled    bool
	Recipients         []string
	WebhookURL         string
}

// DefaultSetting applies when the directory has no row for a subscriber.
func DefaultSetting() NotificationSetting {
	return NotificationSetting{
		EmailEnabled:       true,
		PushEnabled:        true,
		PointHazardEnabled: true,
		AreaLossEnabled:    true,
	}
}

func (s NotificationSetting) KindEnabled(k Kind) bool {
	switch k {
	case KindPointHazard:
		return s.PointHazardEnabled
	case KindAreaLoss:
		return s.AreaLossEnabled
	default:
		return false
	}
}

// RecipientsFor returns the configured recipients, or the subscriber's own
// address when none are configured. Blank and duplicate entries are dropped.
func (s NotificationSetting) RecipientsFor(sub Subscriber) []string {
	src := s.Recipients
	if len(cleanAddrs(src)) == 0 {
		src = []string{sub.Email}
	}
	return cleanAddrs(src)
}

func cleanAddrs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		k := strings.ToLower(a)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Trigger records which path produced a batch.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerRealtime  Trigger = "realtime"
	TriggerManual    Trigger = "manual"
)

// Batch is the ordered set of undelivered alerts for one (subscriber, kind).
type Batch struct {
	Subscriber Subscriber
	Kind       Kind
	Records    []Record
	// Watermark is the cursor value the batch was detected against.
	Watermark  string
	DetectedAt time.Time
	Trigger    Trigger
}

func (b Batch) Len() int    { return len(b.Records) }
func (b Batch) Empty() bool { return len(b.Records) == 0 }

func (b Batch) IDs() []string {
	out := make([]string, len(b.Records))
	for i, r := range b.Records {
		out[i] = r.ID()
	}
	return out
}

// MaxID is the id the cursor advances to after a qualifying send.
func (b Batch) MaxID() string {
	max := ""
	for i, r := range b.Records {
		if i == 0 {
			max = r.ID()
			continue
		}
		max = b.Kind.Max(max, r.ID())
	}
	return max
}

// HighPriority reports whether any record meets the kind rule.
func (b Batch) HighPriority(threshold int) bool {
	for _, r := range b.Records {
		if r.HighPriority(threshold) {
			return true
		}
	}
	return false
}

// SortRecords orders records ascending by id under the kind's ordering.
func SortRecords(kind Kind, recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool { return kind.Less(recs[i].ID(), recs[j].ID()) })
}
