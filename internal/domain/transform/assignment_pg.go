package transform

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhisfhir/adapter/internal/platform/db"
)

type assignmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssignmentRepoPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *assignmentRepoPG) FhirID(ctx context.Context, ruleID uuid.UUID, dhisID string) (string, error) {
	var fhirID string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT fhir_id FROM fhir_dhis_assignment WHERE rule_id = $1 AND dhis_id = $2`,
		ruleID, dhisID).Scan(&fhirID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return fhirID, err
}

func (r *assignmentRepoPG) DhisID(ctx context.Context, ruleID uuid.UUID, fhirID string) (string, error) {
	var dhisID string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT dhis_id FROM fhir_dhis_assignment WHERE rule_id = $1 AND fhir_id = $2`,
		ruleID, fhirID).Scan(&dhisID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return dhisID, err
}

func (r *assignmentRepoPG) Save(ctx context.Context, a Assignment) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO fhir_dhis_assignment (rule_id, dhis_id, fhir_id, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (rule_id, dhis_id) DO UPDATE SET fhir_id = EXCLUDED.fhir_id`,
		a.RuleID, a.DhisID, a.FhirID)
	return err
}
