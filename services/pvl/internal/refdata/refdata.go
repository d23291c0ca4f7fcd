package refdata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"planlane/pkg/domain"
)

// Code lists the mapper resolves against. Values in these lists are
// maintained by the external reference-data loader.
const (
	ListLifecycleStatus = "plan_lifecycle_status"
	ListPlanObjectKind  = "plan_object_kind"
	ListRegulationKind  = "plan_regulation_kind"
)

// Resolver maps a (code list, value) pair to its canonical registry
// form. Implementations must be safe for concurrent readers and must
// not block: resolution happens inside mapping, which stays pure.
type Resolver interface {
	Resolve(codeList, value string) (domain.CanonicalCode, error)
}

// Snapshot is an immutable in-memory code table, loaded once per run.
type Snapshot struct {
	codes map[string]domain.CanonicalCode
}

func key(list, value string) string { return list + "\x00" + value }

func NewSnapshot(codes []domain.CanonicalCode) *Snapshot {
	m := make(map[string]domain.CanonicalCode, len(codes))
	for _, c := range codes {
		m[key(c.List, c.Value)] = c
	}
	return &Snapshot{codes: m}
}

func (s *Snapshot) Resolve(codeList, value string) (domain.CanonicalCode, error) {
	c, ok := s.codes[key(codeList, value)]
	if !ok {
		return domain.CanonicalCode{}, fmt.Errorf("%s/%s: %w", codeList, value, domain.ErrCodeNotFound)
	}
	return c, nil
}

func (s *Snapshot) Len() int { return len(s.codes) }

// LoadSnapshot reads the reference_codes lookup table populated by the
// external loader. The pipeline only ever reads it.
func LoadSnapshot(ctx context.Context, db *pgxpool.Pool) (*Snapshot, error) {
	rows, err := db.Query(ctx, `SELECT code_list, value, uri FROM reference_codes`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "refdata.load", Err: err}
	}
	defer rows.Close()

	var codes []domain.CanonicalCode
	for rows.Next() {
		var c domain.CanonicalCode
		if err := rows.Scan(&c.List, &c.Value, &c.URI); err != nil {
			return nil, &domain.PersistenceError{Op: "refdata.scan", Err: err}
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "refdata.rows", Err: err}
	}
	return NewSnapshot(codes), nil
}
