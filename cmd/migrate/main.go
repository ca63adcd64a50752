// Dev bootstrap: drops and recreates the schema, then seeds a sample
// event with modalities, batches and prices. Production schema changes go
// through the SQL migrations under ./migrations instead.
package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-registration/internal/config"
	"ms-registration/internal/models"
)

func main() {
	ctx := context.Background()

	cfg := config.Load()
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()

	if err := sqldb.PingContext(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db := bun.NewDB(sqldb, pgdialect.New())

	log.Println("Dropping tables...")
	dropTables(ctx, db)

	log.Println("Creating tables...")
	createTables(ctx, db)

	log.Println("Seeding sample data...")
	seedData(ctx, db)

	log.Println("Done.")
}

func dropTables(ctx context.Context, db *bun.DB) {
	tables := []interface{}{
		(*models.Registration)(nil), (*models.Order)(nil), (*models.BatchPrice)(nil),
		(*models.Batch)(nil), (*models.Modality)(nil), (*models.Event)(nil),
	}
	for _, m := range tables {
		_, _ = db.NewDropTable().Model(m).IfExists().Cascade().Exec(ctx)
	}
}

func createTables(ctx context.Context, db *bun.DB) {
	tables := []interface{}{
		(*models.Event)(nil), (*models.Modality)(nil), (*models.Batch)(nil),
		(*models.BatchPrice)(nil), (*models.Order)(nil), (*models.Registration)(nil),
	}
	for _, m := range tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			log.Fatalf("Failed to create table for %T: %v", m, err)
		}
	}

	// Partial unique index backing the duplicate guard.
	if _, err := db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_registrations_event_athlete
		 ON registrations (event_id, athlete_id) WHERE status != 'cancelled'`); err != nil {
		log.Fatalf("Failed to create unique index: %v", err)
	}
}

func seedData(ctx context.Context, db *bun.DB) {
	now := time.Now()
	cap10k := 300

	event := models.Event{
		EventID:   "event001",
		Name:      "City Night Run 2026",
		Capacity:  1000,
		StartDate: now.AddDate(0, 2, 0),
		CreatedAt: now,
	}
	_, _ = db.NewInsert().Model(&event).Exec(ctx)

	modalities := []models.Modality{
		{ModalityID: "mod5k", EventID: event.EventID, Name: "5K", CreatedAt: now},
		{ModalityID: "mod10k", EventID: event.EventID, Name: "10K", Capacity: &cap10k, CreatedAt: now},
	}
	_, _ = db.NewInsert().Model(&modalities).Exec(ctx)

	firstMax, secondMax := 200, 800
	endsFirst := now.AddDate(0, 1, 0)
	batches := []models.Batch{
		{
			BatchID: "lote1", EventID: event.EventID, Name: "1º Lote",
			OrderIndex: 1, MaxQuantity: &firstMax, StartsAt: now.AddDate(0, 0, -1),
			EndsAt: &endsFirst, Status: models.BatchStatusActive, CreatedAt: now,
		},
		{
			BatchID: "lote2", EventID: event.EventID, Name: "2º Lote",
			OrderIndex: 2, MaxQuantity: &secondMax, StartsAt: now.AddDate(0, 0, -1),
			Status: models.BatchStatusFuture, CreatedAt: now,
		},
	}
	_, _ = db.NewInsert().Model(&batches).Exec(ctx)

	prices := []models.BatchPrice{
		{ModalityID: "mod5k", BatchID: "lote1", Amount: 80},
		{ModalityID: "mod5k", BatchID: "lote2", Amount: 100},
		{ModalityID: "mod10k", BatchID: "lote1", Amount: 110},
		{ModalityID: "mod10k", BatchID: "lote2", Amount: 130},
	}
	_, _ = db.NewInsert().Model(&prices).Exec(ctx)
}
