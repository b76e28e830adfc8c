package alertstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/failure"
	logx "alertwatch/pkg/logx"

	"github.com/lib/pq"
)

// Area-loss ids are ordered by (octet_length(id), id COLLATE "C"), which is
// alert.KindAreaLoss.Compare expressed in SQL.
const (
	queryHazardSince = `
SELECT ha.id, ha.alert_date, ha.category, ha.confidence, ha.distance,
       COALESCE(ha.description, '') AS description,
       aoi.id::text AS area_id, aoi.name AS area_name,
       COALESCE(aoi.description, aoi.name) AS area_description,
       h.lat AS lat, h.long AS lng, h.radius AS brightness, h.date AS scan_date,
       COALESCE(h.sat, '') AS satellite, h.id::text AS hotspot_id, h.conf AS hotspot_confidence
FROM data_hotspotalert ha
JOIN data_areaofinterest aoi ON ha.area_of_interest_id = aoi.id
JOIN data_hotspots h ON ha.hotspot_id = h.id
JOIN accounts_users_areas_of_interest ua ON ua.areaofinterest_id = aoi.id
WHERE ua.users_id::text = $1 AND ha.id > $2
ORDER BY ha.id ASC
LIMIT $3`

	queryLossSince = `
SELECT da.id, COALESCE(da.event_id, '') AS event_id, da.alert_date, da.created,
       da.confidence, da.area,
       aoi.id::text AS area_id, aoi.name AS area_name,
       COALESCE(aoi.description, aoi.name) AS area_description,
       ST_AsText(ST_Centroid(da.geom)) AS centroid
FROM data_deforestationalerts da
JOIN data_areaofinterest aoi ON da.company_id = aoi.id
JOIN accounts_users_areas_of_interest ua ON ua.areaofinterest_id = aoi.id
WHERE ua.users_id::text = $1
  AND (octet_length(da.id), da.id COLLATE "C") > (octet_length($2::text), $2::text COLLATE "C")
ORDER BY octet_length(da.id) ASC, da.id COLLATE "C" ASC
LIMIT $3`

	queryHazardMax = `SELECT COALESCE(MAX(id), 0)::text FROM data_hotspotalert`
	queryLossMax   = `SELECT id FROM data_deforestationalerts ORDER BY octet_length(id) DESC, id COLLATE "C" DESC LIMIT 1`

	queryHazardCount = `SELECT COUNT(*) FROM data_hotspotalert`
	queryLossCount   = `SELECT COUNT(*) FROM data_deforestationalerts`

	querySubscribers = `
SELECT u.id::text AS id, COALESCE(u.email, '') AS email, COALESCE(u.name, '') AS name,
       array_agg(ua.areaofinterest_id::text ORDER BY ua.areaofinterest_id::text) AS area_ids
FROM accounts_users u
JOIN accounts_users_areas_of_interest ua ON ua.users_id = u.id
WHERE u.is_active
GROUP BY u.id, u.email, u.name
ORDER BY u.id`

	querySubscriber = `
SELECT u.id::text AS id, COALESCE(u.email, '') AS email, COALESCE(u.name, '') AS name,
       COALESCE(array_agg(ua.areaofinterest_id::text ORDER BY ua.areaofinterest_id::text)
                FILTER (WHERE ua.areaofinterest_id IS NOT NULL), '{}') AS area_ids
FROM accounts_users u
LEFT JOIN accounts_users_areas_of_interest ua ON ua.users_id = u.id
WHERE u.id::text = $1
GROUP BY u.id, u.email, u.name`

	querySetting = `
SELECT email_notifications, push_notifications,
       notify_on_new_hotspot_data, notify_on_new_deforestation_data,
       COALESCE(receivers_emails, '{}') AS receivers_emails,
       COALESCE(webhook_url, '') AS webhook_url
FROM accounts_accountnotificationsetting
WHERE user_id::text = $1`
)

type hazardRow struct {
	ID                int64           `db:"id"`
	AlertDate         time.Time       `db:"alert_date"`
	Category          string          `db:"category"`
	Confidence        sql.NullInt64   `db:"confidence"`
	Distance          sql.NullFloat64 `db:"distance"`
	Description       string          `db:"description"`
	AreaID            string          `db:"area_id"`
	AreaName          string          `db:"area_name"`
	AreaDescription   string          `db:"area_description"`
	Lat               sql.NullFloat64 `db:"lat"`
	Lng               sql.NullFloat64 `db:"lng"`
	Brightness        sql.NullFloat64 `db:"brightness"`
	ScanDate          sql.NullTime    `db:"scan_date"`
	Satellite         string          `db:"satellite"`
	HotspotID         string          `db:"hotspot_id"`
	HotspotConfidence sql.NullInt64   `db:"hotspot_confidence"`
}

type lossRow struct {
	ID              string          `db:"id"`
	EventID         string          `db:"event_id"`
	AlertDate       time.Time       `db:"alert_date"`
	Created         sql.NullTime    `db:"created"`
	Confidence      sql.NullInt64   `db:"confidence"`
	Area            sql.NullFloat64 `db:"area"`
	AreaID          string          `db:"area_id"`
	AreaName        string          `db:"area_name"`
	AreaDescription string          `db:"area_description"`
	Centroid        sql.NullString  `db:"centroid"`
}

type subscriberRow struct {
	ID      string         `db:"id"`
	Email   string         `db:"email"`
	Name    string         `db:"name"`
	AreaIDs pq.StringArray `db:"area_ids"`
}

type settingRow struct {
	Email      bool           `db:"email_notifications"`
	Push       bool           `db:"push_notifications"`
	Hazard     bool           `db:"notify_on_new_hotspot_data"`
	Loss       bool           `db:"notify_on_new_deforestation_data"`
	Recipients pq.StringArray `db:"receivers_emails"`
	WebhookURL string         `db:"webhook_url"`
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (r hazardRow) record() alert.Record {
	cat, ok := alert.ParseSeverity(r.Category)
	if !ok {
		cat = alert.SeveritySafe
	}
	h := &alert.PointHazard{
		ID:         r.ID,
		Category:   cat,
		Distance:   nullFloat(r.Distance),
		Location:   alert.Point{Lat: r.Lat.Float64, Lng: r.Lng.Float64},
		Brightness: r.Brightness.Float64,
		Satellite:  r.Satellite,
		HotspotID:  r.HotspotID,
	}
	if r.ScanDate.Valid {
		h.ScanDate = r.ScanDate.Time
	}
	if r.HotspotConfidence.Valid {
		h.HotspotConfidence = int(r.HotspotConfidence.Int64)
	}
	return alert.Record{
		Kind:            alert.KindPointHazard,
		AreaID:          r.AreaID,
		AreaName:        r.AreaName,
		AreaDescription: r.AreaDescription,
		AlertDate:       r.AlertDate,
		Confidence:      nullInt(r.Confidence),
		Description:     r.Description,
		Hazard:          h,
	}
}

func (r lossRow) record(log logx.Logger) alert.Record {
	l := &alert.AreaLoss{
		ID:      r.ID,
		EventID: r.EventID,
		AreaHa:  nullFloat(r.Area),
	}
	if r.Created.Valid {
		l.Created = r.Created.Time
	}
	if r.Centroid.Valid && r.Centroid.String != "" {
		if p, err := alert.ParseWKTPoint(r.Centroid.String); err == nil {
			l.Centroid = &p
		} else {
			log.Debug("unparsable centroid", logx.String("id", r.ID), logx.Err(err))
		}
	}
	return alert.Record{
		Kind:            alert.KindAreaLoss,
		AreaID:          r.AreaID,
		AreaName:        r.AreaName,
		AreaDescription: r.AreaDescription,
		AlertDate:       r.AlertDate,
		Confidence:      nullInt(r.Confidence),
		Loss:            l,
	}
}

func (s *Store) fail(op string, err error) error {
	s.observe(err)
	return failure.Transient(fmt.Errorf("%s: %w", op, err))
}

// AlertsSince returns alerts of kind in subscriber's areas with id strictly
// greater than watermark, ascending, capped at the batch limit.
func (s *Store) AlertsSince(ctx context.Context, subscriberID string, kind alert.Kind, watermark string) ([]alert.Record, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	switch kind {
	case alert.KindPointHazard:
		wm := int64(0)
		if w := strings.TrimSpace(watermark); w != "" {
			if wm, err = strconv.ParseInt(w, 10, 64); err != nil {
				return nil, fmt.Errorf("point hazard watermark %q: %w", watermark, err)
			}
		}
		var rows []hazardRow
		if err := db.SelectContext(ctx, &rows, queryHazardSince, subscriberID, wm, s.limit); err != nil {
			return nil, s.fail("select point hazards", err)
		}
		out := make([]alert.Record, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.record())
		}
		return out, nil
	case alert.KindAreaLoss:
		var rows []lossRow
		if err := db.SelectContext(ctx, &rows, queryLossSince, subscriberID, watermark, s.limit); err != nil {
			return nil, s.fail("select area losses", err)
		}
		out := make([]alert.Record, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.record(s.log))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("alerts since: invalid kind %v", kind)
	}
}

// MaxID returns the greatest id of kind, or "" when the table is empty.
func (s *Store) MaxID(ctx context.Context, kind alert.Kind) (string, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return "", err
	}
	var q string
	switch kind {
	case alert.KindPointHazard:
		q = queryHazardMax
	case alert.KindAreaLoss:
		q = queryLossMax
	default:
		return "", fmt.Errorf("max id: invalid kind %v", kind)
	}
	var id string
	err = db.GetContext(ctx, &id, q)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", s.fail("max id", err)
	}
	return id, nil
}

// TotalCount is the cheap change signal used by the fast loop.
func (s *Store) TotalCount(ctx context.Context, kind alert.Kind) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var q string
	switch kind {
	case alert.KindPointHazard:
		q = queryHazardCount
	case alert.KindAreaLoss:
		q = queryLossCount
	default:
		return 0, fmt.Errorf("total count: invalid kind %v", kind)
	}
	var n int64
	if err := db.GetContext(ctx, &n, q); err != nil {
		return 0, s.fail("total count", err)
	}
	return n, nil
}

// Subscribers lists active accounts owning at least one area.
func (s *Store) Subscribers(ctx context.Context) ([]alert.Subscriber, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	var rows []subscriberRow
	if err := db.SelectContext(ctx, &rows, querySubscribers); err != nil {
		return nil, s.fail("select subscribers", err)
	}
	out := make([]alert.Subscriber, 0, len(rows))
	for _, r := range rows {
		if len(r.AreaIDs) == 0 {
			continue
		}
		out = append(out, alert.Subscriber{ID: r.ID, Email: r.Email, Name: r.Name, AreaIDs: []string(r.AreaIDs)})
	}
	return out, nil
}

// ErrUnknownSubscriber is returned by Subscriber for a missing account.
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Subscriber looks up one account regardless of area ownership.
func (s *Store) Subscriber(ctx context.Context, id string) (alert.Subscriber, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return alert.Subscriber{}, err
	}
	var r subscriberRow
	err = db.GetContext(ctx, &r, querySubscriber, id)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Subscriber{}, fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}
	if err != nil {
		return alert.Subscriber{}, s.fail("select subscriber", err)
	}
	return alert.Subscriber{ID: r.ID, Email: r.Email, Name: r.Name, AreaIDs: []string(r.AreaIDs)}, nil
}

// Setting returns the subscriber's notification setting, or the defaults
// when the account has no settings row.
func (s *Store) Setting(ctx context.Context, subscriberID string) (alert.NotificationSetting, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return alert.NotificationSetting{}, err
	}
	var r settingRow
	err = db.GetContext(ctx, &r, querySetting, subscriberID)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.DefaultSetting(), nil
	}
	if err != nil {
		return alert.NotificationSetting{}, s.fail("select setting", err)
	}
	return alert.NotificationSetting{
		EmailEnabled:       r.Email,
		PushEnabled:        r.Push,
		PointHazardEnabled: r.Hazard,
		AreaLossEnabled:    r.Loss,
		Recipients:         []string(r.Recipients),
		WebhookURL:         r.WebhookURL,
	}, nil
}
