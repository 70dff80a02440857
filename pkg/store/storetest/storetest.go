// Package storetest provides in-memory stores for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ethpandaops/buildsync/pkg/config"
	"github.com/ethpandaops/buildsync/pkg/store"
)

// Logger returns a logger that only reports errors.
func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// OpenDB opens a migrated in-memory SQLite database that is closed when the
// test ends.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := store.Open(context.Background(), Logger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(db) })

	return db
}

// New returns a Store backed by a fresh in-memory database.
func New(t *testing.T) store.Store {
	t.Helper()

	return NewWithDB(t, OpenDB(t))
}

// NewWithDB returns a migrated Store on top of db.
func NewWithDB(t *testing.T, db *gorm.DB) store.Store {
	t.Helper()

	s := store.NewStore(Logger(), db)
	require.NoError(t, s.Migrate(context.Background()))

	return s
}
