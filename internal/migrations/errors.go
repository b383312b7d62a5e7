package migrations

import "errors"

var (
	// ErrDriverCreation is returned when the postgres driver cannot be created.
	ErrDriverCreation = errors.New("failed to create postgres driver")

	ErrSourceCreation  = errors.New("failed to open embedded migrations")
	ErrMigrateInstance = errors.New("failed to create migrate instance")

	// ErrMigrationFailed is returned when applying the journal schema fails.
	ErrMigrationFailed = errors.New("failed to migrate journal schema")

	// ErrDirtySchema is returned when a previous run stopped halfway through
	// a migration and the schema needs manual attention.
	ErrDirtySchema = errors.New("journal schema is dirty")
)
