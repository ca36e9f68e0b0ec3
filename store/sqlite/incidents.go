package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// RECONCILIATION INCIDENT STORE (core.IncidentStore)
// =============================================================================

const incidentColumns = `id, source, reference, merchant_ref, subject_id, reason, expected, got,
	resolved, resolved_by, resolved_at, created_at`

// SaveIncident records a reconciliation incident.
func (s *Store) SaveIncident(ctx context.Context, i core.Incident) error {
	query := `
		INSERT INTO reconciliation_incidents (` + incidentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		i.ID, i.Source, nullString(i.Reference), nullString(i.MerchantRef),
		nullString(i.SubjectID), i.Reason, i.Expected.String(), i.Got.String(),
		i.Resolved, nullString(i.ResolvedBy), nullTime(i.ResolvedAt), formatTime(i.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// ListIncidents returns incidents newest first.
func (s *Store) ListIncidents(ctx context.Context, includeResolved bool) ([]core.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM reconciliation_incidents`
	if !includeResolved {
		query += ` WHERE resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	incidents, err := queryAll(ctx, s.q, query, scanIncident)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return incidents, nil
}

// ResolveIncident marks an open incident as handled.
func (s *Store) ResolveIncident(ctx context.Context, id, resolvedBy string, at time.Time) error {
	query := `
		UPDATE reconciliation_incidents
		SET resolved = TRUE, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved = FALSE
	`
	err := execCAS(ctx, s.q, query, nullString(resolvedBy), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to resolve incident %s: %w", id, err)
	}
	return nil
}

func scanIncident(row scanner) (core.Incident, error) {
	var (
		i                               core.Incident
		reference, merchantRef, subject sql.NullString
		resolvedBy, resolvedAt          sql.NullString
		expected, got, createdAt        string
	)

	err := row.Scan(
		&i.ID, &i.Source, &reference, &merchantRef, &subject, &i.Reason, &expected,
		&got, &i.Resolved, &resolvedBy, &resolvedAt, &createdAt,
	)
	if err != nil {
		return i, err
	}

	i.Reference = reference.String
	i.MerchantRef = merchantRef.String
	i.SubjectID = subject.String
	i.Expected = core.MustParseDecimal(expected)
	i.Got = core.MustParseDecimal(got)
	i.ResolvedBy = resolvedBy.String
	i.ResolvedAt = parseNullTime(resolvedAt)
	i.CreatedAt = parseTime(createdAt)
	return i, nil
}
