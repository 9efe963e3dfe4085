package repository

import (
	"context"
	"errors"

	"github.com/ommanoj88/SEV-sub002/internal/pkg/apperror"
	"gorm.io/gorm"
)

// ErrStaleWrite is returned when a compare-and-set update matched no row.
var ErrStaleWrite = errors.New("row was modified concurrently")

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.NotFound(format, args...)
	}
	return err
}

type statusCount struct {
	Status string
	Count  int64
}

func countByStatus[S ~string](ctx context.Context, db *gorm.DB, model any) (map[S]int64, error) {
	var rows []statusCount
	err := db.WithContext(ctx).Model(model).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[S]int64, len(rows))
	for _, row := range rows {
		out[S(row.Status)] = row.Count
	}
	return out, nil
}
