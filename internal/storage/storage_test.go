package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/smartcab/backend/internal/config"
)

type fakeConnector struct {
	pingErr error
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{pingErr: c.pingErr}, nil
}

func (c *fakeConnector) Driver() driver.Driver {
	return fakeDriver{}
}

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return &fakeConn{}, nil
}

type fakeConn struct {
	pingErr error
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Ping(context.Context) error {
	return c.pingErr
}

func fakeDialector(sqlDB *sql.DB) Option {
	return WithDialector(func(string) gorm.Dialector {
		return postgres.New(postgres.Config{Conn: sqlDB})
	})
}

func testConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		URL:             "postgres://smartcab@localhost/smartcab",
		MaxOpenConns:    7,
		MaxIdleConns:    3,
		ConnMaxLifetime: time.Minute,
	}
}

func TestOpenReturnsReadyPool(t *testing.T) {
	sqlDB := sql.OpenDB(&fakeConnector{})

	db, err := Open(context.Background(), testConfig(), zaptest.NewLogger(t), fakeDialector(sqlDB))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if db.SQL() != sqlDB {
		t.Fatalf("expected underlying pool to be exposed")
	}
	if db.Gorm() == nil {
		t.Fatalf("expected gorm handle")
	}
	if got := db.SQL().Stats().MaxOpenConnections; got != 7 {
		t.Fatalf("expected max open connections 7, got %d", got)
	}
	if err := db.PingContext(context.Background()); err != nil {
		t.Fatalf("PingContext returned error: %v", err)
	}
}

func TestOpenClosesPoolWhenPingFails(t *testing.T) {
	sqlDB := sql.OpenDB(&fakeConnector{pingErr: errors.New("connection refused")})

	if _, err := Open(context.Background(), testConfig(), zaptest.NewLogger(t), fakeDialector(sqlDB)); err == nil {
		t.Fatalf("expected ping failure to be returned")
	}
	if err := sqlDB.Ping(); err == nil {
		t.Fatalf("expected pool to be closed after failed ping")
	}
}

func TestOpenRequiresURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = ""

	_, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	if !errors.Is(err, ErrMissingDSN) {
		t.Fatalf("expected ErrMissingDSN, got %v", err)
	}
}

func TestOpenFailsForUnreachableServer(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "postgres://smartcab@127.0.0.1:1/smartcab?sslmode=disable&connect_timeout=1"

	_, err := Open(context.Background(), cfg, zaptest.NewLogger(t), WithPingTimeout(2*time.Second))
	if err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "postgres://%zz"

	if _, err := Open(context.Background(), cfg, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNilDatabase(t *testing.T) {
	var db *Database
	if err := db.Close(); err != nil {
		t.Fatalf("expected nil Close to succeed, got %v", err)
	}
	if err := db.PingContext(context.Background()); err == nil {
		t.Fatalf("expected ping on nil database to fail")
	}
}
