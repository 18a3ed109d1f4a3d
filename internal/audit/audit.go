// Package audit persists a record of every completed authorization attempt
// for operator visibility. It is write-only: nothing in this repository
// reads these records back to reconstruct proxy state, so it does not
// reintroduce persisted session state across restarts.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// callsignCaser normalizes a callsign's display case for storage; clients
// send callsigns in whatever case they please and the digest computation
// doesn't care, but a legible audit trail should.
var callsignCaser = cases.Upper(language.Und)

// Log is anything the Client Worker can hand a completed attempt to.
type Log interface {
	RecordAttempt(remoteAddr, callsign, outcome string) error
	Close() error
}

// Attempt is the persisted shape of one authorization attempt.
type Attempt struct {
	ID         uint      `gorm:"primaryKey"`
	RemoteAddr string    `gorm:"index"`
	Callsign   string    `gorm:"index"`
	Outcome    string    `gorm:"not null"`
	CreatedAt  time.Time
}

// SQLiteLog is the concrete, on-disk implementation, backed by
// glebarez/sqlite (a pure-Go SQLite driver) so the proxy never needs an
// external database server just to keep an operational log.
type SQLiteLog struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open connects to (creating if necessary) the SQLite database at path and
// migrates the Attempt table.
func Open(path string) (*SQLiteLog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}

	if err := db.AutoMigrate(&Attempt{}); err != nil {
		return nil, fmt.Errorf("audit: migrating schema: %w", err)
	}

	return &SQLiteLog{db: db}, nil
}

// RecordAttempt inserts one row describing a completed authorization
// attempt. Callers treat a returned error as non-fatal: a failure to
// audit must never affect the authorization outcome itself.
func (l *SQLiteLog) RecordAttempt(remoteAddr, callsign, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Create(&Attempt{
		RemoteAddr: remoteAddr,
		Callsign:   callsignCaser.String(callsign),
		Outcome:    outcome,
	}).Error
}

// Close releases the underlying database connection.
func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("audit: getting underlying connection: %w", err)
	}
	return sqlDB.Close()
}

// NoOp is the Log implementation used when audit_db_path is unset. It
// satisfies the same interface as SQLiteLog so the Client Worker never has
// to know whether auditing is enabled.
type NoOp struct{}

func (NoOp) RecordAttempt(string, string, string) error { return nil }
func (NoOp) Close() error                               { return nil }
