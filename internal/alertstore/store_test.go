package alertstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/failure"
	logx "alertwatch/pkg/logx"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), 100, logx.Nop()), mock
}

var hazardCols = []string{
	"id", "alert_date", "category", "confidence", "distance", "description",
	"area_id", "area_name", "area_description",
	"lat", "lng", "brightness", "scan_date", "satellite", "hotspot_id", "hotspot_confidence",
}

func TestAlertsSincePointHazard(t *testing.T) {
	s, mock := newMock(t)
	day := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM data_hotspotalert ha")).
		WithArgs("7", int64(100), 100).
		WillReturnRows(sqlmock.NewRows(hazardCols).
			AddRow(int64(101), day, "BAHAYA", nil, 850.5, "near river",
				"aoi-1", "Block A", "Block A", -1.25, 116.5, 330.2, day, "NOAA20", "h-9", int64(77)))

	recs, err := s.AlertsSince(context.Background(), "7", alert.KindPointHazard, "100")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	require.NoError(t, r.Validate())
	assert.Equal(t, "101", r.ID())
	assert.Equal(t, alert.SeverityDanger, r.Hazard.Category)
	assert.Nil(t, r.Confidence)
	require.NotNil(t, r.Hazard.Distance)
	assert.InDelta(t, 850.5, *r.Hazard.Distance, 1e-9)
	assert.Equal(t, 77, r.Hazard.HotspotConfidence)
	assert.Equal(t, "Block A", r.AreaName)
	assert.True(t, r.HighPriority(80))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertsSinceAreaLossUsesShortlexWatermark(t *testing.T) {
	s, mock := newMock(t)
	day := time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`(octet_length(da.id), da.id COLLATE "C") > (octet_length($2::text), $2::text COLLATE "C")`)).
		WithArgs("7", "DF-9", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "alert_date", "created", "confidence", "area",
			"area_id", "area_name", "area_description", "centroid",
		}).AddRow("DF-10", "ev-10", day, day, int64(85), 3.2, "aoi-1", "Block A", "Block A", "POINT(116.5 -1.25)"))

	recs, err := s.AlertsSince(context.Background(), "7", alert.KindAreaLoss, "DF-9")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "DF-10", r.ID())
	require.NotNil(t, r.Loss.Centroid)
	assert.Equal(t, "-1.2500, 116.5000", r.Loss.Centroid.String())
	require.NotNil(t, r.Confidence)
	assert.True(t, r.HighPriority(80))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertsSinceRejectsBadHazardWatermark(t *testing.T) {
	s, _ := newMock(t)
	_, err := s.AlertsSince(context.Background(), "7", alert.KindPointHazard, "DF-1")
	assert.Error(t, err)
}

func TestMaxIDAndTotalCount(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(id), 0)::text FROM data_hotspotalert")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("100"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM data_deforestationalerts")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM data_hotspotalert")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	id, err := s.MaxID(ctx, alert.KindPointHazard)
	require.NoError(t, err)
	assert.Equal(t, "100", id)

	id, err = s.MaxID(ctx, alert.KindAreaLoss)
	require.NoError(t, err)
	assert.Equal(t, "", id)

	n, err := s.TotalCount(ctx, alert.KindPointHazard)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribersSkipsAccountsWithoutAreas(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts_users u")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "area_ids"}).
			AddRow("7", "a@example.org", "Ana", "{aoi-1,aoi-2}").
			AddRow("8", "b@example.org", "Bo", "{}"))

	subs, err := s.Subscribers(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "7", subs[0].ID)
	assert.Equal(t, []string{"aoi-1", "aoi-2"}, subs[0].AreaIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingDefaultsWhenAbsent(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	cols := []string{
		"email_notifications", "push_notifications",
		"notify_on_new_hotspot_data", "notify_on_new_deforestation_data",
		"receivers_emails", "webhook_url",
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts_accountnotificationsetting")).
		WithArgs("7").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts_accountnotificationsetting")).
		WithArgs("8").WillReturnRows(sqlmock.NewRows(cols).
		AddRow(true, false, true, false, "{ops@example.org}", "https://hooks.example.org/x"))

	got, err := s.Setting(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, alert.DefaultSetting(), got)

	got, err = s.Setting(ctx, "8")
	require.NoError(t, err)
	assert.True(t, got.EmailEnabled)
	assert.False(t, got.PushEnabled)
	assert.False(t, got.KindEnabled(alert.KindAreaLoss))
	assert.Equal(t, []string{"ops@example.org"}, got.Recipients)
	assert.Equal(t, "https://hooks.example.org/x", got.WebhookURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryErrorsAreTransient(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM data_deforestationalerts")).
		WillReturnError(errors.New("canceling statement due to statement timeout"))
	_, err := s.TotalCount(context.Background(), alert.KindAreaLoss)
	require.Error(t, err)
	assert.True(t, failure.IsTransient(err))
}

func TestReconnectAfterLostConnection(t *testing.T) {
	first, firstMock, err := sqlmock.New()
	require.NoError(t, err)
	second, secondMock, err := sqlmock.New()
	require.NoError(t, err)
	defer second.Close()

	handles := []*sqlx.DB{sqlx.NewDb(first, "postgres"), sqlx.NewDb(second, "postgres")}
	opens := 0
	s := &Store{
		log:        logx.Nop(),
		limit:      10,
		maxElapsed: 5 * time.Second,
		open: func(context.Context) (*sqlx.DB, error) {
			if opens == 1 {
				opens++
				return nil, errors.New("connection refused")
			}
			db := handles[0]
			if opens > 0 {
				db = handles[1]
			}
			opens++
			return db, nil
		},
	}
	ctx := context.Background()

	firstMock.ExpectQuery("SELECT COUNT").WillReturnError(&pq.Error{Code: "08006"})
	firstMock.ExpectClose()
	_, err = s.TotalCount(ctx, alert.KindPointHazard)
	require.Error(t, err)

	secondMock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	n, err := s.TotalCount(ctx, alert.KindPointHazard)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 3, opens)
	require.NoError(t, firstMock.ExpectationsWereMet())
	require.NoError(t, secondMock.ExpectationsWereMet())
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{driver.ErrBadConn, true},
		{&pq.Error{Code: "08006"}, true},
		{&pq.Error{Code: "57P01"}, true},
		{&pq.Error{Code: "42P01"}, false},
		{errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, connectionLost(tt.err), "%v", tt.err)
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()
	dsn := Config{Host: "db", Port: 5433, Name: "monitoring", User: "svc", Password: "p@ss"}.DSN()
	assert.Equal(t, "postgres://svc:p%40ss@db:5433/monitoring?sslmode=disable", dsn)
}
