package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it is executed.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ   Operator = "="
	NEQ  Operator = "<>"
	GT   Operator = ">"
	GTE  Operator = ">="
	LT   Operator = "<"
	LTE  Operator = "<="
	IN   Operator = "IN"
	LIKE Operator = "LIKE"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	// Allow whitelists sortable columns. Empty map allows created_at only.
	Allow map[string]bool
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		sortBy := s.SortBy
		if sortBy == "" {
			sortBy = "created_at"
		}
		if len(s.Allow) > 0 && !s.Allow[sortBy] {
			sortBy = "created_at"
		}

		orderBy := strings.ToUpper(s.OrderBy)
		if orderBy != "ASC" && orderBy != "DESC" {
			orderBy = "ASC"
		}

		return db.Order(fmt.Sprintf("%s %s", sortBy, orderBy))
	}
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			switch c.Operator {
			case IN:
				db = db.Where(fmt.Sprintf("%s IN (?)", c.Field), c.Value)
			default:
				db = db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
			}
		}
		return db
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

func WithLockingUpdate() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return LockingUpdate(db)
	}
}

// LockingUpdate is the scope form of row-level locking. SQLite has no
// SELECT ... FOR UPDATE, so the clause is skipped there and serialization
// falls back to the single-writer file lock.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
