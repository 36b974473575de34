package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
)

// DeliveryLog keeps the outcome of every external dispatch.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, rec models.DeliveryRecord) error
}

// PostgresAudit stores terminal message failures and external delivery
// outcomes.
type PostgresAudit struct {
	db *sql.DB
}

func NewPostgresAudit(db *sql.DB) *PostgresAudit {
	return &PostgresAudit{db: db}
}

func (a *PostgresAudit) Record(ctx context.Context, rec models.FailureRecord) error {
	query := `
		INSERT INTO rule_failures (id, tenant_id, message_id, node_id, queue_name, attempt, code, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var nodeID *string
	if rec.NodeID != "" {
		nodeID = &rec.NodeID
	}

	_, err := a.db.ExecContext(ctx, query,
		uuid.New().String(), rec.TenantID, rec.MessageID, nodeID, rec.QueueName,
		rec.Attempt, rec.Code, rec.Reason, rec.OccurredAt,
	)
	if err != nil {
		metrics.IncDatabaseQuery("postgres", "insert_failure", "error")
		return fmt.Errorf("failed to record failure: %w", err)
	}
	metrics.IncDatabaseQuery("postgres", "insert_failure", "success")
	return nil
}

func (a *PostgresAudit) RecordDelivery(ctx context.Context, rec models.DeliveryRecord) error {
	query := `
		INSERT INTO external_deliveries (id, tenant_id, message_id, node_id, transport, destination, status, detail, attempt, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := a.db.ExecContext(ctx, query,
		uuid.New().String(), rec.TenantID, rec.MessageID, rec.NodeID, rec.Transport,
		rec.Destination, rec.Status, rec.Detail, rec.Attempt, rec.DeliveredAt,
	)
	if err != nil {
		metrics.IncDatabaseQuery("postgres", "insert_delivery", "error")
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	metrics.IncDatabaseQuery("postgres", "insert_delivery", "success")
	return nil
}

// Failures returns the most recent failures of a tenant, newest first.
func (a *PostgresAudit) Failures(ctx context.Context, tenantID string, limit int) ([]models.FailureRecord, error) {
	query := `
		SELECT tenant_id, message_id, COALESCE(node_id, ''), queue_name, attempt, code, reason, occurred_at
		FROM rule_failures
		WHERE tenant_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := a.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		metrics.IncDatabaseQuery("postgres", "list_failures", "error")
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []models.FailureRecord
	for rows.Next() {
		var rec models.FailureRecord
		if err := rows.Scan(&rec.TenantID, &rec.MessageID, &rec.NodeID, &rec.QueueName,
			&rec.Attempt, &rec.Code, &rec.Reason, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failures: %w", err)
	}
	metrics.IncDatabaseQuery("postgres", "list_failures", "success")
	return out, nil
}

// MemoryAudit is the audit log used when no database is configured.
type MemoryAudit struct {
	mu         sync.Mutex
	failures   []models.FailureRecord
	deliveries []models.DeliveryRecord
	limit      int
}

func NewMemoryAudit(limit int) *MemoryAudit {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryAudit{limit: limit}
}

func (a *MemoryAudit) Record(_ context.Context, rec models.FailureRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, rec)
	if len(a.failures) > a.limit {
		a.failures = a.failures[len(a.failures)-a.limit:]
	}
	return nil
}

func (a *MemoryAudit) RecordDelivery(_ context.Context, rec models.DeliveryRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliveries = append(a.deliveries, rec)
	if len(a.deliveries) > a.limit {
		a.deliveries = a.deliveries[len(a.deliveries)-a.limit:]
	}
	return nil
}

func (a *MemoryAudit) Failures(_ context.Context, tenantID string, limit int) ([]models.FailureRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.FailureRecord
	for i := len(a.failures) - 1; i >= 0 && len(out) < limit; i-- {
		if a.failures[i].TenantID == tenantID {
			out = append(out, a.failures[i])
		}
	}
	return out, nil
}

func (a *MemoryAudit) Deliveries() []models.DeliveryRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.DeliveryRecord(nil), a.deliveries...)
}
