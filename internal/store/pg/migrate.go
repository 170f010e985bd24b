package pg

import (
	"context"

	"github.com/pressly/goose/v3"

	"perimetra.io/internal/store/pg/migrations"
)

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, ".")
}
