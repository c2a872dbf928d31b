package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/leadflow-engine/internal/domain/allocation"
	"github.com/davidleathers/leadflow-engine/internal/domain/buyer"
	"github.com/davidleathers/leadflow-engine/internal/domain/feedback"
	"github.com/davidleathers/leadflow-engine/internal/domain/lead"
	"github.com/davidleathers/leadflow-engine/internal/domain/values"
	"github.com/davidleathers/leadflow-engine/internal/domain/weights"
	"github.com/davidleathers/leadflow-engine/internal/infrastructure/repository"
)

// pgStore implements repository.Store using PostgreSQL. Updates use the
// entity version as an optimistic-concurrency token: WHERE version = $n
// with a RowsAffected check.
type pgStore struct {
	db *sql.DB
}

// NewStore creates a PostgreSQL-backed store
func NewStore(db *sql.DB) repository.Store {
	return &pgStore{db: db}
}

// Lead operations

func (s *pgStore) GetLead(ctx context.Context, id uuid.UUID) (*lead.Lead, error) {
	query := `
		SELECT id, attributes, score, tier, revenue_potential,
			conversion_probability, state, route_attempts, drop_reason,
			created_at, updated_at, version
		FROM leads WHERE id = $1
	`

	var (
		l         lead.Lead
		attrsJSON []byte
		tierStr   string
		state     int
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &attrsJSON, &l.Score, &tierStr, &l.RevenuePotential,
		&l.ConversionProbability, &state, &l.RouteAttempts, &l.DropReason,
		&l.CreatedAt, &l.UpdatedAt, &l.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}

	if err := json.Unmarshal(attrsJSON, &l.Attributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lead attributes: %w", err)
	}
	tier, err := values.ParseTier(tierStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lead tier: %w", err)
	}
	l.Tier = tier
	l.State = lead.State(state)

	return &l, nil
}

func (s *pgStore) PutLead(ctx context.Context, l *lead.Lead) error {
	attrsJSON, err := json.Marshal(l.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal lead attributes: %w", err)
	}

	query := `
		INSERT INTO leads (
			id, attributes, score, tier, revenue_potential,
			conversion_probability, state, route_attempts, drop_reason,
			created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
	`

	l.Version = 1
	_, err = s.db.ExecContext(ctx, query,
		l.ID, attrsJSON, l.Score, l.Tier.String(), l.RevenuePotential,
		l.ConversionProbability, int(l.State), l.RouteAttempts, l.DropReason,
		l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

func (s *pgStore) UpdateLead(ctx context.Context, l *lead.Lead) error {
	attrsJSON, err := json.Marshal(l.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal lead attributes: %w", err)
	}

	query := `
		UPDATE leads SET
			attributes = $2, score = $3, tier = $4, revenue_potential = $5,
			conversion_probability = $6, state = $7, route_attempts = $8,
			drop_reason = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $11
	`

	result, err := s.db.ExecContext(ctx, query,
		l.ID, attrsJSON, l.Score, l.Tier.String(), l.RevenuePotential,
		l.ConversionProbability, int(l.State), l.RouteAttempts, l.DropReason,
		l.UpdatedAt, l.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update lead: %w", err)
	}
	if err := checkVersioned(ctx, result, s.db, "leads", l.ID); err != nil {
		return err
	}
	l.Version++
	return nil
}

// Buyer operations

func (s *pgStore) GetBuyer(ctx context.Context, id uuid.UUID) (*buyer.Buyer, error) {
	query := `
		SELECT id, name, tier, status, capacity, utilized,
			acceptance_rate, geography, min_quality_threshold, priority,
			historical_performance, price_table, created_at, updated_at, version
		FROM buyers WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, id)

	b, err := scanBuyer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get buyer: %w", err)
	}
	return b, nil
}

func (s *pgStore) PutBuyer(ctx context.Context, b *buyer.Buyer) error {
	geoJSON, priceJSON, err := marshalBuyerFields(b)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO buyers (
			id, name, tier, status, capacity, utilized,
			acceptance_rate, geography, min_quality_threshold, priority,
			historical_performance, price_table, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
	`

	b.Version = 1
	_, err = s.db.ExecContext(ctx, query,
		b.ID, b.Name, b.Tier.String(), int(b.Status), b.Capacity, b.Utilized,
		b.AcceptanceRate, geoJSON, b.MinQualityThreshold, b.Priority,
		b.HistoricalPerformance, priceJSON, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create buyer: %w", err)
	}
	return nil
}

func (s *pgStore) UpdateBuyer(ctx context.Context, b *buyer.Buyer) error {
	geoJSON, priceJSON, err := marshalBuyerFields(b)
	if err != nil {
		return err
	}

	query := `
		UPDATE buyers SET
			name = $2, tier = $3, status = $4, capacity = $5, utilized = $6,
			acceptance_rate = $7, geography = $8, min_quality_threshold = $9,
			priority = $10, historical_performance = $11, price_table = $12,
			updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $14
	`

	result, err := s.db.ExecContext(ctx, query,
		b.ID, b.Name, b.Tier.String(), int(b.Status), b.Capacity, b.Utilized,
		b.AcceptanceRate, geoJSON, b.MinQualityThreshold, b.Priority,
		b.HistoricalPerformance, priceJSON, b.UpdatedAt, b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update buyer: %w", err)
	}
	if err := checkVersioned(ctx, result, s.db, "buyers", b.ID); err != nil {
		return err
	}
	b.Version++
	return nil
}

func (s *pgStore) ListBuyers(ctx context.Context) ([]*buyer.Buyer, error) {
	query := `
		SELECT id, name, tier, status, capacity, utilized,
			acceptance_rate, geography, min_quality_threshold, priority,
			historical_performance, price_table, created_at, updated_at, version
		FROM buyers ORDER BY priority
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list buyers: %w", err)
	}
	defer rows.Close()

	var out []*buyer.Buyer
	for rows.Next() {
		b, err := scanBuyer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan buyer: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Allocation operations

func (s *pgStore) GetAllocation(ctx context.Context, id uuid.UUID) (*allocation.Allocation, error) {
	query := allocationSelect + ` WHERE id = $1`
	a, err := scanAllocation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return a, nil
}

func (s *pgStore) PutAllocation(ctx context.Context, a *allocation.Allocation) error {
	query := `
		INSERT INTO allocations (
			id, lead_id, buyer_id, price, status,
			created_at, expires_at, delivered_at, resolved_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
	`

	a.Version = 1
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.LeadID, a.BuyerID, a.Price, int(a.Status),
		a.CreatedAt, a.ExpiresAt, a.DeliveredAt, a.ResolvedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *pgStore) UpdateAllocation(ctx context.Context, a *allocation.Allocation) error {
	query := `
		UPDATE allocations SET
			status = $2, expires_at = $3, delivered_at = $4, resolved_at = $5,
			version = version + 1
		WHERE id = $1 AND version = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		a.ID, int(a.Status), a.ExpiresAt, a.DeliveredAt, a.ResolvedAt, a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	if err := checkVersioned(ctx, result, s.db, "allocations", a.ID); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (s *pgStore) ListAllocationsByStatus(ctx context.Context, status allocation.Status) ([]*allocation.Allocation, error) {
	query := allocationSelect + ` WHERE status = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, int(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var out []*allocation.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *pgStore) GetOpenAllocationByLead(ctx context.Context, leadID uuid.UUID) (*allocation.Allocation, error) {
	query := allocationSelect + `
		WHERE lead_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`

	a, err := scanAllocation(s.db.QueryRowContext(ctx, query, leadID,
		int(allocation.StatusPending), int(allocation.StatusDelivered)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open allocation: %w", err)
	}
	return a, nil
}

// Feedback operations

func (s *pgStore) PutFeedback(ctx context.Context, r *feedback.Record) error {
	query := `
		INSERT INTO feedback_records (
			id, dedup_key, lead_id, buyer_id, outcome,
			feedback_score, conversion_value, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Key(), r.LeadID, r.BuyerID, int(r.Outcome),
		r.FeedbackScore, r.ConversionValue, r.Timestamp,
	)
	if err != nil {
		if isDuplicate(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create feedback record: %w", err)
	}
	return nil
}

func (s *pgStore) ListFeedbackSince(ctx context.Context, since time.Time) ([]*feedback.Record, error) {
	query := `
		SELECT id, lead_id, buyer_id, outcome, feedback_score,
			conversion_value, recorded_at
		FROM feedback_records
		WHERE recorded_at >= $1
		ORDER BY recorded_at
	`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []*feedback.Record
	for rows.Next() {
		var (
			r       feedback.Record
			outcome int
		)
		if err := rows.Scan(&r.ID, &r.LeadID, &r.BuyerID, &outcome,
			&r.FeedbackScore, &r.ConversionValue, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan feedback record: %w", err)
		}
		r.Outcome = feedback.Outcome(outcome)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Weight version operations

func (s *pgStore) PutWeightVersion(ctx context.Context, v *weights.Version) error {
	weightsJSON, err := json.Marshal(v.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weight vector: %w", err)
	}
	perfJSON, err := json.Marshal(v.Performance)
	if err != nil {
		return fmt.Errorf("failed to marshal performance snapshot: %w", err)
	}

	query := `
		INSERT INTO weight_versions (version_id, weights, performance, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, v.VersionID, weightsJSON, perfJSON, v.CreatedAt); err != nil {
		return fmt.Errorf("failed to create weight version: %w", err)
	}
	return nil
}

func (s *pgStore) ListWeightVersions(ctx context.Context) ([]*weights.Version, error) {
	query := `
		SELECT version_id, weights, performance, created_at
		FROM weight_versions ORDER BY version_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list weight versions: %w", err)
	}
	defer rows.Close()

	var out []*weights.Version
	for rows.Next() {
		var (
			v           weights.Version
			weightsJSON []byte
			perfJSON    []byte
		)
		if err := rows.Scan(&v.VersionID, &weightsJSON, &perfJSON, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan weight version: %w", err)
		}
		if err := json.Unmarshal(weightsJSON, &v.Weights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal weight vector: %w", err)
		}
		if err := json.Unmarshal(perfJSON, &v.Performance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal performance snapshot: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// scan helpers

const allocationSelect = `
	SELECT id, lead_id, buyer_id, price, status,
		created_at, expires_at, delivered_at, resolved_at, version
	FROM allocations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAllocation(row rowScanner) (*allocation.Allocation, error) {
	var (
		a      allocation.Allocation
		status int
	)
	err := row.Scan(&a.ID, &a.LeadID, &a.BuyerID, &a.Price, &status,
		&a.CreatedAt, &a.ExpiresAt, &a.DeliveredAt, &a.ResolvedAt, &a.Version)
	if err != nil {
		return nil, err
	}
	a.Status = allocation.Status(status)
	return &a, nil
}

func scanBuyer(row rowScanner) (*buyer.Buyer, error) {
	var (
		b         buyer.Buyer
		tierStr   string
		status    int
		geoJSON   []byte
		priceJSON []byte
	)
	err := row.Scan(&b.ID, &b.Name, &tierStr, &status, &b.Capacity, &b.Utilized,
		&b.AcceptanceRate, &geoJSON, &b.MinQualityThreshold, &b.Priority,
		&b.HistoricalPerformance, &priceJSON, &b.CreatedAt, &b.UpdatedAt, &b.Version)
	if err != nil {
		return nil, err
	}

	tier, err := values.ParseTier(tierStr)
	if err != nil {
		return nil, err
	}
	b.Tier = tier
	b.Status = buyer.Status(status)

	if err := json.Unmarshal(geoJSON, &b.Geography); err != nil {
		return nil, fmt.Errorf("failed to unmarshal geography: %w", err)
	}
	if err := unmarshalPriceTable(priceJSON, &b.PriceTable); err != nil {
		return nil, err
	}
	return &b, nil
}

// PriceTable keys are Tier values; store them as tier names in JSONB.
func marshalBuyerFields(b *buyer.Buyer) (geoJSON, priceJSON []byte, err error) {
	geoJSON, err = json.Marshal(b.Geography)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal geography: %w", err)
	}

	named := make(map[string]buyer.TierPricing, len(b.PriceTable))
	for tier, pricing := range b.PriceTable {
		named[tier.String()] = pricing
	}
	priceJSON, err = json.Marshal(named)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal price table: %w", err)
	}
	return geoJSON, priceJSON, nil
}

func unmarshalPriceTable(data []byte, table *buyer.PriceTable) error {
	var named map[string]buyer.TierPricing
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("failed to unmarshal price table: %w", err)
	}

	out := make(buyer.PriceTable, len(named))
	for name, pricing := range named {
		tier, err := values.ParseTier(name)
		if err != nil {
			return err
		}
		out[tier] = pricing
	}
	*table = out
	return nil
}

// checkVersioned distinguishes a missing row from a lost version race
func checkVersioned(ctx context.Context, result sql.Result, db *sql.DB, table string, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", table)
	if err := db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check entity existence: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrOptimisticLock
}

func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
