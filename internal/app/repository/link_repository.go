package repository

import (
	"context"
	"errors"

	"github.com/sifan077/pageviews/internal/app/model"
	"gorm.io/gorm"
)

var (
	// ErrLinkNotFound signals that the requested link does not exist.
	ErrLinkNotFound = errors.New("link not found")
)

// LinkRepository defines the data access contract for links.
type LinkRepository interface {
	Create(ctx context.Context, link *model.Link) error
	GetByCode(ctx context.Context, code string) (*model.Link, error)
	// GetByCodes loads every enabled link among codes in a single query.
	GetByCodes(ctx context.Context, codes []string) ([]model.Link, error)
	List(ctx context.Context, limit, offset int) ([]model.Link, error)
	Update(ctx context.Context, link *model.Link) error
}

type linkRepository struct {
	db *gorm.DB
}

// NewLinkRepository returns a GORM-backed LinkRepository.
func NewLinkRepository(db *gorm.DB) LinkRepository {
	return &linkRepository{db: db}
}

func (r *linkRepository) Create(ctx context.Context, link *model.Link) error {
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		return err
	}
	return nil
}

func (r *linkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	var link model.Link
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (r *linkRepository) GetByCodes(ctx context.Context, codes []string) ([]model.Link, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	var result []model.Link
	if err := r.db.WithContext(ctx).
		Where("code IN ? AND disabled = ?", codes, false).
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

func (r *linkRepository) List(ctx context.Context, limit, offset int) ([]model.Link, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var result []model.Link
	if err := r.db.WithContext(ctx).
		Where("disabled = ?", false).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&result).Error; err != nil {
		return nil, err
	}

	return result, nil
}

func (r *linkRepository) Update(ctx context.Context, link *model.Link) error {
	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("code = ?", link.Code).
		Updates(map[string]any{
			"url":      link.URL,
			"title":    link.Title,
			"disabled": link.Disabled,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLinkNotFound
	}
	return nil
}
