package repository

import (
	"context"
	"errors"

	"coinvest-core/pkg/db/option"

	"gorm.io/gorm"
)

// Repository is a generic gorm-backed store. FindOne reports a missing row
// as (nil, nil) so callers branch on the value, not on ErrRecordNotFound.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	BatchCreate(ctx context.Context, resources []*T) error
	Update(ctx context.Context, id string, resource any) error
	BatchUpdate(ctx context.Context, resources []*T) error
	Count(ctx context.Context, filter *T, opts ...option.QueryOption) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	return &store[T]{db: tx}
}

func (s *store[T]) query(ctx context.Context, filter *T, opts ...option.QueryOption) *gorm.DB {
	q := s.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		q = q.Where(filter)
	}
	for _, opt := range opts {
		q = opt(q)
	}
	return q
}

func (s *store[T]) Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error) {
	var resources []*T
	if err := s.query(ctx, filter, opts...).Find(&resources).Error; err != nil {
		return nil, err
	}
	return resources, nil
}

func (s *store[T]) FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error) {
	var resource T
	if err := s.query(ctx, filter, opts...).First(&resource).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &resource, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

func (s *store[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(resources).Error
}

func (s *store[T]) Update(ctx context.Context, id string, resource any) error {
	return s.db.WithContext(ctx).Model(new(T)).Where("id = ?", id).Updates(resource).Error
}

func (s *store[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(resources).Error
}

func (s *store[T]) Count(ctx context.Context, filter *T, opts ...option.QueryOption) (int64, error) {
	var count int64
	if err := s.query(ctx, filter, opts...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
