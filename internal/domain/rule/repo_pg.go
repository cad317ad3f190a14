package rule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/platform/db"
	"github.com/dhisfhir/adapter/internal/platform/script"
)

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &ruleRepoPG{pool: pool}
}

func (r *ruleRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const ruleCols = `id, name, description, enabled, evaluation_order,
	dhis_resource_type, fhir_resource_type,
	imp_enabled, exp_enabled, fhir_create_enabled, fhir_update_enabled, stop,
	tracked_entity_ref, tracked_entity_identifier_ref, scripts`

// scriptsPayload is the JSONB shape of the rule's script column.
type scriptsPayload struct {
	ApplicableImp       *script.Source `json:"applicableImp,omitempty"`
	ApplicableExp       *script.Source `json:"applicableExp,omitempty"`
	TransformImp        *script.Source `json:"transformImp,omitempty"`
	TransformExp        *script.Source `json:"transformExp,omitempty"`
	OrgUnitLookup       *script.Source `json:"orgUnitLookup,omitempty"`
	TeiLookup           *script.Source `json:"teiLookup,omitempty"`
	OrgUnitTransformExp *script.Source `json:"orgUnitTransformExp,omitempty"`
	GeoTransformExp     *script.Source `json:"geoTransformExp,omitempty"`
}

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		ru         Rule
		teRef      *string
		teIdentRef *string
		scriptsRaw []byte
	)
	err := row.Scan(&ru.ID, &ru.Name, &ru.Description, &ru.Enabled, &ru.EvaluationOrder,
		&ru.DhisResourceType, &ru.FhirResourceType,
		&ru.ImpEnabled, &ru.ExpEnabled, &ru.FhirCreateEnabled, &ru.FhirUpdateEnabled, &ru.Stop,
		&teRef, &teIdentRef, &scriptsRaw)
	if err != nil {
		return nil, err
	}
	if teRef != nil {
		ref, err := metadata.ParseReference(*teRef)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", ru.ID, err)
		}
		ru.TrackedEntityRef = ref
	}
	if teIdentRef != nil {
		ref, err := metadata.ParseReference(*teIdentRef)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", ru.ID, err)
		}
		ru.TrackedEntityIdentifierRef = ref
	}
	if len(scriptsRaw) > 0 {
		var p scriptsPayload
		if err := json.Unmarshal(scriptsRaw, &p); err != nil {
			return nil, fmt.Errorf("rule %s scripts: %w", ru.ID, err)
		}
		ru.Scripts = Scripts(p)
	}
	return &ru, nil
}

func (r *ruleRepoPG) query(ctx context.Context, where string, args ...any) ([]*Rule, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ruleCols+` FROM rule WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		ru, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ru)
	}
	return out, rows.Err()
}

func (r *ruleRepoPG) FindByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	ru, err := scanRule(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleCols+` FROM rule WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ru, err
}

func (r *ruleRepoPG) FindByFhirType(ctx context.Context, fhirResourceType string) ([]*Rule, error) {
	return r.query(ctx, `enabled AND fhir_resource_type = $1`, fhirResourceType)
}

func (r *ruleRepoPG) FindByDhisType(ctx context.Context, dhisResourceType DhisResourceType) ([]*Rule, error) {
	return r.query(ctx, `enabled AND dhis_resource_type = $1`, dhisResourceType)
}
