package main

import (
	"testing"

	"github.com/ammofeeds/ingestor/config"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/assert"
)

func TestRunMigrations_DatabaseUnavailable(t *testing.T) {
	config.MockConfig(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "invalid-dns"},
	})

	for _, direction := range []migrate.MigrationDirection{migrate.Up, migrate.Down} {
		n, err := runMigrations(direction)
		assert.ErrorContains(t, err, "connecting to database")
		assert.Zero(t, n)
	}
}

func TestMigrateCommands(t *testing.T) {
	cmd := migrateCommands(nil)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down"}, names)
}
