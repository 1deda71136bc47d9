package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/go2irl/freightdesk/internal/freight"
)

// Connect opens the MySQL connection used by both binaries.
// Composition-root helper: a broken DSN is fatal at startup.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}

// Migrate creates the four freight tables if they do not exist yet.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&freight.Shipment{},
		&freight.Quote{},
		&freight.Email{},
		&freight.ChatMessage{},
	)
}
