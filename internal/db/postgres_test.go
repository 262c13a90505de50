package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lalithlochan/herald/internal/apperr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"undefined column", &pgconn.PgError{Code: pgerrcode.UndefinedColumn}, apperr.KindMigrationRequired},
		{"undefined table", &pgconn.PgError{Code: pgerrcode.UndefinedTable}, apperr.KindMigrationRequired},
		{"wrapped undefined column", fmt.Errorf("scan: %w", &pgconn.PgError{Code: pgerrcode.UndefinedColumn}), apperr.KindMigrationRequired},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, apperr.KindInfrastructure},
		{"connection error", errors.New("dial tcp: connection refused"), apperr.KindInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("apply event", tt.err)
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error should wrap the driver error")
			}
		})
	}
}
