package database

import (
	"PsiConsulta/models"
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// inProgressIndexes keep at most one in-progress consultation per participant.
// A losing concurrent start fails with a duplicated-key error at commit.
var inProgressIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_consultations_patient_in_progress ON consultations (patient_id) WHERE status = 'EmAndamento'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_consultations_professional_in_progress ON consultations (professional_id) WHERE status = 'EmAndamento'`,
}

// InitDB opens the database connection and configures it.
func InitDB(ctx context.Context, dsn string, development bool, log *zap.Logger) (*gorm.DB, error) {
	logMode := logger.Silent
	if development {
		logMode = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: false,
		PrepareStmt:                              true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	if err := configureConnectionPool(db); err != nil {
		return nil, err
	}
	if err := testDatabaseConnection(ctx, db); err != nil {
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		return nil, err
	}
	if err := seedInitialData(db); err != nil {
		return nil, err
	}

	log.Info("database initialized")
	return db, nil
}

func configureConnectionPool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql.DB from GORM")
	}
	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(20)
	sqlDB.SetConnMaxLifetime(10 * time.Minute)
	return nil
}

func testDatabaseConnection(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql.DB from GORM")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.Wrap(err, "failed to ping database")
	}
	return nil
}

func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Professional{},
		&models.Plan{},
		&models.PatientPlan{},
		&models.PlanCycle{},
		&models.ScheduleSlot{},
		&models.Consultation{},
		&models.SessionReservation{},
		&models.Commission{},
		&models.AuditLog{},
	); err != nil {
		return errors.Wrap(err, "failed to migrate schema")
	}
	for _, stmt := range inProgressIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return errors.Wrap(err, "failed to create in-progress index")
		}
	}
	return nil
}

func seedInitialData(db *gorm.DB) error {
	if err := models.SeedPlans(db); err != nil {
		return errors.Wrap(err, "failed to seed plans")
	}
	return nil
}
