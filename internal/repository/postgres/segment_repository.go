package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
)

// SegmentRepository reads contact segments.
type SegmentRepository struct {
	db *sqlx.DB
}

// NewSegmentRepository constructs the repository.
func NewSegmentRepository(db *sqlx.DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

// Get fetches a segment scoped to its organization.
func (r *SegmentRepository) Get(ctx context.Context, organizationID, id uuid.UUID) (*domain.Segment, error) {
	var row struct {
		ID             uuid.UUID `db:"id"`
		OrganizationID uuid.UUID `db:"organization_id"`
		Name           string    `db:"name"`
		Criteria       []byte    `db:"criteria"`
	}
	err := r.db.QueryRowxContext(ctx, `SELECT id, organization_id, name, criteria
		FROM segments WHERE id = $1 AND organization_id = $2`, id, organizationID).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("segment repo: get: %w", err)
	}

	segment := &domain.Segment{ID: row.ID, OrganizationID: row.OrganizationID, Name: row.Name}
	if len(row.Criteria) > 0 {
		if err := json.Unmarshal(row.Criteria, &segment.Criteria); err != nil {
			return nil, fmt.Errorf("segment repo: decode criteria: %w", err)
		}
	}
	return segment, nil
}
