// Package alertstore reads alerts, subscribers and notification settings
// from the PostgreSQL/PostGIS database the alert producers write to.
//
// It only reads. Lost connections are detected on query failure and
// re-established with exponential backoff on the next call.
package alertstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"alertwatch/internal/failure"
	logx "alertwatch/pkg/logx"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Config describes the source database.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`

	MaxOpenConns int `json:"max_open_conns"`
	MaxIdleConns int `json:"max_idle_conns"`

	// ReconnectMax bounds one reconnect attempt sequence. Go duration string.
	ReconnectMax string `json:"reconnect_max"`
	// BatchLimit caps the rows returned by one AlertsSince call.
	BatchLimit int `json:"batch_limit"`
}

// DSN renders a lib/pq URL.
func (c Config) DSN() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 {
		port = 5432
	}
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(ssl),
	}
	return u.String()
}

func (c Config) reconnectMax() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(c.ReconnectMax)); err == nil && d > 0 {
		return d
	}
	return 2 * time.Minute
}

func (c Config) batchLimit() int {
	if c.BatchLimit <= 0 {
		return 500
	}
	return c.BatchLimit
}

// Store implements the AlertStore and AccountDirectory contracts.
type Store struct {
	log   logx.Logger
	limit int

	open       func(ctx context.Context) (*sqlx.DB, error)
	maxElapsed time.Duration

	mu sync.Mutex
	db *sqlx.DB
}

// Open connects to PostgreSQL, retrying with backoff until ctx is done or
// the reconnect budget is spent.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Name) == "" || strings.TrimSpace(cfg.User) == "" {
		return nil, failure.Config(errors.New("database name and user are required"))
	}
	dsn := cfg.DSN()
	s := &Store{
		log:        log.With(logx.String("comp", "alertstore")),
		limit:      cfg.batchLimit(),
		maxElapsed: cfg.reconnectMax(),
		open: func(ctx context.Context) (*sqlx.DB, error) {
			db, err := sqlx.Open("postgres", dsn)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			if cfg.MaxOpenConns > 0 {
				db.SetMaxOpenConns(cfg.MaxOpenConns)
			}
			if cfg.MaxIdleConns > 0 {
				db.SetMaxIdleConns(cfg.MaxIdleConns)
			}
			db.SetConnMaxIdleTime(5 * time.Minute)
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := db.PingContext(pctx); err != nil {
				_ = db.Close()
				return nil, err
			}
			return db, nil
		},
	}
	if _, err := s.handle(ctx); err != nil {
		return nil, err
	}
	s.log.Info("connected to alert database",
		logx.String("host", cfg.Host), logx.String("db", cfg.Name))
	return s, nil
}

// NewWithDB wraps an existing handle. The store cannot reconnect on its own.
func NewWithDB(db *sqlx.DB, limit int, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if limit <= 0 {
		limit = 500
	}
	return &Store{db: db, limit: limit, log: log.With(logx.String("comp", "alertstore"))}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks the connection without reconnecting.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return failure.Transient(errors.New("alert database disconnected"))
	}
	return db.PingContext(ctx)
}

func (s *Store) handle(ctx context.Context) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if s.open == nil {
		return nil, failure.Transient(errors.New("alert database disconnected"))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = s.maxElapsed

	var db *sqlx.DB
	err := backoff.RetryNotify(func() error {
		var err error
		db, err = s.open(ctx)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		s.log.Warn("alert database unavailable, retrying",
			logx.Err(err), logx.Duration("next", next))
	})
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("connect alert database: %w", err))
	}
	s.db = db
	return db, nil
}

// observe drops the handle when err indicates a lost connection, so the
// next call reconnects.
func (s *Store) observe(err error) {
	if err == nil || !connectionLost(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || s.open == nil {
		return
	}
	s.log.Warn("alert database connection lost", logx.Err(err))
	_ = s.db.Close()
	s.db = nil
}

func connectionLost(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		// Class 08: connection exception; 57P0x: operator intervention.
		code := string(pe.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0")
	}
	return false
}
