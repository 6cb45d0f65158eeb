package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
)

const campaignColumns = `id, organization_id, name, description, status, recipients, message,
	schedule_type, scheduled_at, rate_per_second, rate_per_minute, rate_per_hour,
	retry_max_attempts, retry_base_delay_ms, retry_max_delay_ms,
	business_hours_enabled, business_hours_start_minute, business_hours_end_minute, business_hours_time_zone,
	total_recipients, sent_count, delivered_count, read_count, failed_count, clicked_count, replied_count, opt_out_count,
	start_time, end_time, created_by, created_at, updated_at`

var metricColumns = map[domain.Metric]string{
	domain.MetricSent:      "sent_count",
	domain.MetricDelivered: "delivered_count",
	domain.MetricRead:      "read_count",
	domain.MetricFailed:    "failed_count",
	domain.MetricClicked:   "clicked_count",
	domain.MetricReplied:   "replied_count",
	domain.MetricOptOut:    "opt_out_count",
}

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign together with its first status history entry.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	record, err := fromDomain(campaign)
	if err != nil {
		return err
	}

	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :organization_id, :name, :description, :status, :recipients, :message,
		:schedule_type, :scheduled_at, :rate_per_second, :rate_per_minute, :rate_per_hour,
		:retry_max_attempts, :retry_base_delay_ms, :retry_max_delay_ms,
		:business_hours_enabled, :business_hours_start_minute, :business_hours_end_minute, :business_hours_time_zone,
		:total_recipients, :sent_count, :delivered_count, :read_count, :failed_count, :clicked_count, :replied_count, :opt_out_count,
		:start_time, :end_time, :created_by, :created_at, :updated_at
	)`

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, record); err != nil {
			return fmt.Errorf("campaign repo: insert: %w", err)
		}
		return insertHistory(ctx, tx, campaign.ID, "", campaign.Status, campaign.CreatedAt)
	})
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

// Transition applies a conditional status change under a row lock.
func (r *CampaignRepository) Transition(ctx context.Context, id uuid.UUID, t repository.Transition) (*domain.Campaign, error) {
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}

	var updated *domain.Campaign
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var current string
		if err := tx.QueryRowxContext(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("campaign repo: lock: %w", err)
		}

		row := tx.QueryRowxContext(ctx, `UPDATE campaigns SET
			status = $2,
			updated_at = $3,
			start_time = CASE WHEN $2 = 'running' THEN COALESCE(start_time, $3) ELSE start_time END,
			end_time = CASE WHEN $2 IN ('completed', 'cancelled') THEN $3 ELSE end_time END,
			total_recipients = COALESCE($5, total_recipients)
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+campaignColumns, id, string(t.To), t.At, from, nullInt64(t.TotalRecipients))

		var record campaignRecord
		if err := row.StructScan(&record); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: campaign is %s, cannot become %s", repository.ErrInvalidState, current, t.To)
			}
			return fmt.Errorf("campaign repo: transition: %w", err)
		}

		campaign, err := record.toDomain()
		if err != nil {
			return err
		}
		updated = campaign
		return insertHistory(ctx, tx, id, domain.CampaignStatus(current), t.To, t.At)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// IncrementAnalytics atomically adds one to a campaign counter.
func (r *CampaignRepository) IncrementAnalytics(ctx context.Context, id uuid.UUID, metric domain.Metric) error {
	column, ok := metricColumns[metric]
	if !ok {
		return fmt.Errorf("campaign repo: unknown metric %q", metric)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET `+column+` = `+column+` + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("campaign repo: increment %s: %w", metric, err)
	}
	return expectOneRow(res)
}

// List returns campaigns of an organization with keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, organizationID uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sqlx.Rows
		err  error
	)
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
			WHERE organization_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`, organizationID, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
			WHERE organization_id = $1 ORDER BY id ASC LIMIT $2`, organizationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	return scanCampaigns(rows)
}

// ListDueScheduled returns scheduled campaigns whose launch time has passed.
func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list due scheduled: %w", err)
	}
	return scanCampaigns(rows)
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) error {
	var fromValue sql.NullString
	if from != "" {
		fromValue = sql.NullString{String: string(from), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_status_history (campaign_id, from_status, to_status, changed_at)
		VALUES ($1, $2, $3, $4)`, id, fromValue, string(to), at); err != nil {
		return fmt.Errorf("campaign repo: insert history: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID                   uuid.UUID      `db:"id"`
	OrganizationID       uuid.UUID      `db:"organization_id"`
	Name                 string         `db:"name"`
	Description          sql.NullString `db:"description"`
	Status               string         `db:"status"`
	Recipients           []byte         `db:"recipients"`
	Message              []byte         `db:"message"`
	ScheduleType         string         `db:"schedule_type"`
	ScheduledAt          sql.NullTime   `db:"scheduled_at"`
	RatePerSecond        int            `db:"rate_per_second"`
	RatePerMinute        int            `db:"rate_per_minute"`
	RatePerHour          int            `db:"rate_per_hour"`
	RetryMaxAttempts     int            `db:"retry_max_attempts"`
	RetryBaseDelayMs     int64          `db:"retry_base_delay_ms"`
	RetryMaxDelayMs      int64          `db:"retry_max_delay_ms"`
	BusinessHoursEnabled bool           `db:"business_hours_enabled"`
	BusinessHoursStart   int            `db:"business_hours_start_minute"`
	BusinessHoursEnd     int            `db:"business_hours_end_minute"`
	BusinessHoursZone    string         `db:"business_hours_time_zone"`
	TotalRecipients      int64          `db:"total_recipients"`
	Sent                 int64          `db:"sent_count"`
	Delivered            int64          `db:"delivered_count"`
	Read                 int64          `db:"read_count"`
	Failed               int64          `db:"failed_count"`
	Clicked              int64          `db:"clicked_count"`
	Replied              int64          `db:"replied_count"`
	OptOut               int64          `db:"opt_out_count"`
	StartTime            sql.NullTime   `db:"start_time"`
	EndTime              sql.NullTime   `db:"end_time"`
	CreatedBy            sql.NullString `db:"created_by"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func fromDomain(c *domain.Campaign) (*campaignRecord, error) {
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal recipients: %w", err)
	}
	message, err := json.Marshal(c.Message)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal message: %w", err)
	}

	settings := c.Settings
	record := &campaignRecord{
		ID:                   c.ID,
		OrganizationID:       c.OrganizationID,
		Name:                 c.Name,
		Description:          sql.NullString{String: c.Description, Valid: c.Description != ""},
		Status:               string(c.Status),
		Recipients:           recipients,
		Message:              message,
		ScheduleType:         string(c.Schedule.Type),
		ScheduledAt:          nullTime(c.Schedule.ScheduledAt),
		RatePerSecond:        settings.RateLimit.MessagesPerSecond,
		RatePerMinute:        settings.RateLimit.MessagesPerMinute,
		RatePerHour:          settings.RateLimit.MessagesPerHour,
		RetryMaxAttempts:     settings.RetryPolicy.MaxAttempts,
		RetryBaseDelayMs:     settings.RetryPolicy.BaseDelay.Milliseconds(),
		RetryMaxDelayMs:      settings.RetryPolicy.MaxDelay.Milliseconds(),
		BusinessHoursEnabled: settings.BusinessHours.Enabled,
		BusinessHoursStart:   minuteOfDay(settings.BusinessHours.Start),
		BusinessHoursEnd:     minuteOfDay(settings.BusinessHours.End),
		BusinessHoursZone:    settings.BusinessHours.TimeZone,
		TotalRecipients:      c.Analytics.TotalRecipients,
		Sent:                 c.Analytics.Sent,
		Delivered:            c.Analytics.Delivered,
		Read:                 c.Analytics.Read,
		Failed:               c.Analytics.Failed,
		Clicked:              c.Analytics.Clicked,
		Replied:              c.Analytics.Replied,
		OptOut:               c.Analytics.OptOut,
		StartTime:            nullTime(c.Analytics.StartTime),
		EndTime:              nullTime(c.Analytics.EndTime),
		CreatedBy:            sql.NullString{String: c.CreatedBy, Valid: c.CreatedBy != ""},
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
	return record, nil
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Description:    r.Description.String,
		Status:         domain.CampaignStatus(r.Status),
		Schedule: domain.Schedule{
			Type:        domain.ScheduleType(r.ScheduleType),
			ScheduledAt: timePtr(r.ScheduledAt),
		},
		Settings: domain.CampaignSettings{
			RateLimit: domain.RateLimitSettings{
				MessagesPerSecond: r.RatePerSecond,
				MessagesPerMinute: r.RatePerMinute,
				MessagesPerHour:   r.RatePerHour,
			},
			RetryPolicy: domain.RetryPolicy{
				MaxAttempts: r.RetryMaxAttempts,
				BaseDelay:   time.Duration(r.RetryBaseDelayMs) * time.Millisecond,
				MaxDelay:    time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
			},
			BusinessHours: domain.BusinessHours{
				Enabled:  r.BusinessHoursEnabled,
				Start:    minuteToTime(r.BusinessHoursStart),
				End:      minuteToTime(r.BusinessHoursEnd),
				TimeZone: r.BusinessHoursZone,
			},
		},
		Analytics: domain.Analytics{
			TotalRecipients: r.TotalRecipients,
			Sent:            r.Sent,
			Delivered:       r.Delivered,
			Read:            r.Read,
			Failed:          r.Failed,
			Clicked:         r.Clicked,
			Replied:         r.Replied,
			OptOut:          r.OptOut,
			StartTime:       timePtr(r.StartTime),
			EndTime:         timePtr(r.EndTime),
		},
		CreatedBy: r.CreatedBy.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if err := json.Unmarshal(r.Recipients, &campaign.Recipients); err != nil {
		return nil, fmt.Errorf("campaign repo: decode recipients: %w", err)
	}
	if err := json.Unmarshal(r.Message, &campaign.Message); err != nil {
		return nil, fmt.Errorf("campaign repo: decode message: %w", err)
	}
	return campaign, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func minuteToTime(min int) time.Time {
	return time.Date(2000, time.January, 1, min/60, min%60, 0, 0, time.UTC)
}
