package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
)

const contactColumns = `id, organization_id, phone_number, status, opt_out,
	COALESCE(conversation_id, '') AS conversation_id,
	COALESCE(array_to_json(tags)::text, '[]') AS tags,
	COALESCE(lifecycle_stage, '') AS lifecycle_stage,
	created_at`

// ContactRepository reads contacts from PostgreSQL.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// FindEligible returns active, not opted-out contacts matching the filter,
// oldest first.
func (r *ContactRepository) FindEligible(ctx context.Context, organizationID uuid.UUID, filter repository.ContactFilter) ([]domain.Contact, error) {
	query, args := buildEligibleQuery(organizationID, filter)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("contact repo: find eligible: %w", err)
	}
	defer rows.Close()

	var results []domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contact repo: scan: %w", err)
		}
		contact, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: rows err: %w", err)
	}
	return results, nil
}

// FindByID fetches a single contact regardless of status.
func (r *ContactRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	if err := r.db.QueryRowxContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contact repo: get: %w", err)
	}
	contact, err := rec.toDomain()
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func buildEligibleQuery(organizationID uuid.UUID, filter repository.ContactFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + contactColumns + ` FROM contacts
		WHERE organization_id = $1 AND status = 'active' AND opt_out = FALSE`)
	args := []any{organizationID}

	add := func(clause string, value any) {
		args = append(args, value)
		fmt.Fprintf(&b, " AND "+clause, len(args))
	}

	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", filter.IDs)
	}
	if c := filter.Criteria; c != nil {
		if len(c.Tags) > 0 {
			add("tags && $%d::text[]", c.Tags)
		}
		if len(c.LifecycleStages) > 0 {
			add("lifecycle_stage = ANY($%d)", c.LifecycleStages)
		}
		if c.CreatedAfter != nil {
			add("created_at >= $%d", *c.CreatedAfter)
		}
		if c.CreatedBefore != nil {
			add("created_at <= $%d", *c.CreatedBefore)
		}
	}

	b.WriteString(" ORDER BY created_at ASC, id ASC")
	return b.String(), args
}

type contactRecord struct {
	ID             uuid.UUID `db:"id"`
	OrganizationID uuid.UUID `db:"organization_id"`
	PhoneNumber    string    `db:"phone_number"`
	Status         string    `db:"status"`
	OptOut         bool      `db:"opt_out"`
	ConversationID string    `db:"conversation_id"`
	Tags           string    `db:"tags"`
	LifecycleStage string    `db:"lifecycle_stage"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r contactRecord) toDomain() (domain.Contact, error) {
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return domain.Contact{}, fmt.Errorf("contact repo: decode tags of %s: %w", r.ID, err)
		}
	}

	return domain.Contact{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		PhoneNumber:    r.PhoneNumber,
		Status:         domain.ContactStatus(r.Status),
		OptOut:         r.OptOut,
		ConversationID: r.ConversationID,
		Tags:           tags,
		LifecycleStage: r.LifecycleStage,
		CreatedAt:      r.CreatedAt,
	}, nil
}
