package dispatch

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"alertwatch/internal/alert"
)

const defaultConfidenceThreshold = 80

// Subject renders "Environmental Alert [HIGH PRIORITY] - N New <Kind> Alert(s)".
func Subject(b alert.Batch, threshold int) string {
	marker := ""
	if b.HighPriority(threshold) {
		marker = " [HIGH PRIORITY]"
	}
	return fmt.Sprintf("Environmental Alert%s - %d New %s Alert(s)", marker, b.Len(), b.Kind.Title())
}

type emailRow struct {
	ID        string
	Area      string
	Date      string
	Conf      string
	High      bool
	Category  string
	Color     string
	Location  string
	Distance  string
	Satellite string
	EventID   string
	AreaHa    string
	Centroid  string
}

type emailView struct {
	Name         string
	Kind         string
	Hazard       bool
	Count        int
	HighCount    int
	Trigger      string
	DetectedAt   string
	Rows         []emailRow
	DashboardURL string
	Test         bool
}

var emailTmpl = template.Must(template.New("email").Parse(`<html>
<head>
<style>
body { font-family: Arial, sans-serif; line-height: 1.6; }
table { border-collapse: collapse; width: 100%; margin-bottom: 20px; }
th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
th { background-color: #f2f2f2; font-weight: bold; }
.summary { background-color: #f9f9f9; padding: 15px; border-radius: 5px; margin-bottom: 20px; }
.priority { color: #d9534f; font-weight: bold; }
.footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #ddd; }
</style>
</head>
<body>
<h2 style="color: #337ab7;">Environmental Monitoring Alert System</h2>
{{if .Name}}<p>Hello {{.Name}},</p>{{end}}
{{if .Test}}
<p>This is a test notification for <strong>{{.Kind}}</strong> alerts. Your email channel is working.</p>
{{else}}
<div class="summary">
<h3>Alert Summary</h3>
<p><strong>New {{.Kind}} Alerts:</strong> {{.Count}} ({{.HighCount}} high priority)</p>
<p><strong>Detected:</strong> {{.DetectedAt}}</p>
<p><strong>Trigger:</strong> {{.Trigger}}</p>
{{if .HighCount}}<p class="priority">{{.HighCount}} alert(s) require immediate attention!</p>{{end}}
</div>
{{if .Hazard}}
<h3 style="color: #d9534f;">Hotspot Alerts ({{.Count}} new)</h3>
<table>
<tr><th>ID</th><th>Area</th><th>Category</th><th>Location</th><th>Distance (m)</th><th>Confidence</th><th>Satellite</th><th>Date</th></tr>
{{range .Rows}}<tr>
<td>{{.ID}}</td><td>{{.Area}}</td><td style="color: {{.Color}}; font-weight: bold;">{{.Category}}</td><td>{{.Location}}</td><td>{{.Distance}}</td><td>{{.Conf}}</td><td>{{.Satellite}}</td><td>{{.Date}}</td>
</tr>
{{end}}</table>
{{else}}
<h3 style="color: #5cb85c;">Deforestation Alerts ({{.Count}} new)</h3>
<table>
<tr><th>ID</th><th>Event ID</th><th>Area</th><th>Area (ha)</th><th>Confidence</th><th>Alert Date</th><th>Center Point</th></tr>
{{range .Rows}}<tr>
<td>{{.ID}}</td><td>{{.EventID}}</td><td>{{.Area}}</td><td>{{.AreaHa}}</td><td{{if .High}} class="priority"{{end}}>{{.Conf}}</td><td>{{.Date}}</td><td>{{.Centroid}}</td>
</tr>
{{end}}</table>
{{end}}
{{end}}
<div class="footer">
<p><em>This is an automated notification from the Environmental Monitoring System.</em></p>
{{if .DashboardURL}}<p><strong>Dashboard:</strong> <a href="{{.DashboardURL}}">Monitoring Dashboard</a></p>{{end}}
<p><small>To stop receiving these notifications, update your notification settings or contact your administrator.</small></p>
</div>
</body>
</html>
`))

func triggerText(t alert.Trigger) string {
	switch t {
	case alert.TriggerRealtime:
		return "real-time change detection"
	case alert.TriggerManual:
		return "manual run"
	default:
		return "scheduled check"
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func rowOf(r alert.Record, threshold int) emailRow {
	row := emailRow{
		ID:   r.ID(),
		Area: r.AreaName,
		Date: r.AlertDate.Format("2006-01-02"),
		High: r.HighPriority(threshold),
	}
	if c, ok := r.EffectiveConfidence(); ok {
		row.Conf = strconv.Itoa(c)
	}
	row.Conf = orNA(row.Conf)
	switch {
	case r.Hazard != nil:
		h := r.Hazard
		row.Category = string(h.Category)
		row.Color = h.Category.Color()
		if h.Location != (alert.Point{}) {
			row.Location = h.Location.String()
		}
		if h.Distance != nil {
			row.Distance = strconv.FormatFloat(*h.Distance, 'f', 0, 64)
		}
		row.Satellite = h.Satellite
	case r.Loss != nil:
		l := r.Loss
		row.EventID = l.EventID
		if l.AreaHa != nil {
			row.AreaHa = strconv.FormatFloat(*l.AreaHa, 'f', 2, 64)
		}
		if l.Centroid != nil {
			row.Centroid = l.Centroid.String()
		}
	}
	row.Location = orNA(row.Location)
	row.Distance = orNA(row.Distance)
	row.Satellite = orNA(row.Satellite)
	row.EventID = orNA(row.EventID)
	row.AreaHa = orNA(row.AreaHa)
	row.Centroid = orNA(row.Centroid)
	return row
}

// FormatEmail renders one email for the batch. threshold <= 0 uses 80.
func FormatEmail(b alert.Batch, threshold int, dashboardURL string) (subject, body string, err error) {
	if threshold <= 0 {
		threshold = defaultConfidenceThreshold
	}
	v := emailView{
		Name:         b.Subscriber.Name,
		Kind:         b.Kind.Title(),
		Hazard:       b.Kind == alert.KindPointHazard,
		Count:        b.Len(),
		Trigger:      triggerText(b.Trigger),
		DetectedAt:   detectedAt(b.DetectedAt),
		DashboardURL: dashboardURL,
	}
	for _, r := range b.Records {
		row := rowOf(r, threshold)
		if row.High {
			v.HighCount++
		}
		v.Rows = append(v.Rows, row)
	}
	var buf bytes.Buffer
	if err := emailTmpl.Execute(&buf, v); err != nil {
		return "", "", err
	}
	return Subject(b, threshold), buf.String(), nil
}

// FormatTestEmail renders the body used by SendTest.
func FormatTestEmail(sub alert.Subscriber, kind alert.Kind, dashboardURL string) (subject, body string, err error) {
	var buf bytes.Buffer
	err = emailTmpl.Execute(&buf, emailView{
		Name:         sub.Name,
		Kind:         kind.Title(),
		Test:         true,
		DashboardURL: dashboardURL,
	})
	if err != nil {
		return "", "", err
	}
	return "Test Notification - " + kind.Title(), buf.String(), nil
}

func detectedAt(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format("2006-01-02 15:04:05 MST")
}
