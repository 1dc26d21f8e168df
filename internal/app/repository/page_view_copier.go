package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/pageviews/internal/app/model"
)

var pageViewCopyColumns = []string{
	"content_type",
	"object_id",
	"url",
	"view_name",
	"ip_address",
	"user_agent",
	"session_key",
	"timestamp",
}

// copyPageViewRepository streams batches through COPY instead of multi-row
// INSERTs. Everything else is delegated to the wrapped repository.
type copyPageViewRepository struct {
	PageViewRepository
	pool *pgxpool.Pool
}

// WithCopyFrom returns a repository whose CreateBatch uses the pgx COPY
// protocol on pool. A nil pool returns base unchanged.
func WithCopyFrom(base PageViewRepository, pool *pgxpool.Pool) PageViewRepository {
	if pool == nil {
		return base
	}
	return &copyPageViewRepository{PageViewRepository: base, pool: pool}
}

func (r *copyPageViewRepository) CreateBatch(ctx context.Context, views []model.PageView) error {
	if len(views) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(views))
	for _, v := range views {
		rows = append(rows, []any{
			v.ContentType,
			v.ObjectID,
			v.URL,
			v.ViewName,
			v.IPAddress,
			v.UserAgent,
			v.SessionKey,
			v.Timestamp,
		})
	}

	n, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{model.PageView{}.TableName()},
		pageViewCopyColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy page views: %w", err)
	}
	if n != int64(len(views)) {
		return fmt.Errorf("copy page views: wrote %d of %d rows", n, len(views))
	}
	return nil
}
