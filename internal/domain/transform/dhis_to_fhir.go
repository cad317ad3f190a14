package transform

import (
	"context"
	"fmt"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/domain/rule"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
	"github.com/dhisfhir/adapter/internal/platform/script"
)

// ExportTrackedEntity applies every applicable export rule to the tracked
// entity instance. An instance matching no rule yields an empty outcome list;
// a rule with stop semantics or a first-rule-only request ends the evaluation
// after the first applied rule.
func (s *Service) ExportTrackedEntity(ctx context.Context, tc *Context, tei *tracker.TrackedEntityInstance) ([]FhirOutcome, error) {
	typ, err := s.meta.TypeByReference(ctx, metadata.ByID(tei.TypeID))
	if err != nil {
		return nil, err
	}
	if typ == nil {
		return nil, fmt.Errorf("tracked entity type %s is not defined", tei.TypeID)
	}

	candidates, err := s.rules.ResolveDhisRules(ctx, rule.DhisResourceTrackedEntity)
	if err != nil {
		return nil, err
	}
	applicable := s.rules.FilterRules(candidates, rule.Export, typ.AllReferences())

	var outcomes []FhirOutcome
	for _, ru := range applicable {
		outcome, applied, err := s.exportRule(ctx, tc, ru, tei, typ)
		// Locks are scoped to one rule application so an aborted rule
		// never blocks the next one.
		tc.Locks.UnlockAll()
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}
		outcomes = append(outcomes, outcome)
		if ru.Stop || tc.FirstRuleOnly {
			break
		}
	}
	return outcomes, nil
}

// exportRule runs one rule application. applied=false means the rule
// declined (predicate script, missing counterpart with creation disabled,
// update disabled); it is never an error.
func (s *Service) exportRule(ctx context.Context, tc *Context, ru *rule.Rule,
	tei *tracker.TrackedEntityInstance, typ *metadata.TrackedEntityType) (FhirOutcome, bool, error) {

	scripted := NewScriptedTrackedEntity(tei, typ, s.attributeResolver(ctx))
	vars := script.NewVariables().
		With(script.VarInput, scripted).
		With(script.VarContext, tc).
		With(script.VarRule, ru).
		With(script.VarTrackedEntityType, typ).
		With(script.VarTrackedEntityAttributes, typ.Attributes).
		With(script.VarTrackedEntityInstance, scripted)

	if src := ru.ApplicableScript(rule.Export); src != nil {
		ok, err := s.scripts.ExecuteBool(src, vars)
		if err != nil {
			return FhirOutcome{}, false, err
		}
		if err := scripted.Err(); err != nil {
			return FhirOutcome{}, false, err
		}
		if !ok {
			return FhirOutcome{}, false, nil
		}
	}

	baseline, created, err := s.resolveFhirResource(ctx, tc, ru, tei)
	if err != nil {
		return FhirOutcome{}, false, err
	}
	if baseline == nil {
		return FhirOutcome{}, false, nil
	}
	if !created && !ru.FhirUpdateEnabled {
		return FhirOutcome{}, false, nil
	}

	// The baseline stays untouched; the deep-equality check below compares
	// it against the script's working copy.
	modified := baseline.Clone()
	vars.With(script.VarOutput, NewScriptedFhirResource(modified))

	src := ru.TransformScript(rule.Export)
	if src == nil {
		s.logger.Debug().Str("rule", ru.Name).Msg("rule has no export transform script")
		return FhirOutcome{}, false, nil
	}
	ok, err := s.scripts.ExecuteBool(src, vars)
	if err != nil {
		return FhirOutcome{}, false, err
	}
	if err := scripted.Err(); err != nil {
		return FhirOutcome{}, false, err
	}
	if !ok {
		return FhirOutcome{}, false, nil
	}

	if src := ru.Scripts.OrgUnitTransformExp; src != nil {
		ok, err := s.scripts.ExecuteBool(src, vars)
		if err != nil {
			return FhirOutcome{}, false, err
		}
		if !ok {
			return FhirOutcome{}, false, nil
		}
	}
	if src := ru.Scripts.GeoTransformExp; src != nil {
		ok, err := s.scripts.ExecuteBool(src, vars)
		if err != nil {
			return FhirOutcome{}, false, err
		}
		if !ok {
			return FhirOutcome{}, false, nil
		}
		if tei.Coordinates != "" {
			if lat, lon, ok := ParseCoordinates(tei.Coordinates); ok {
				GeoWriterFor(tc.FhirVersion).Write(modified, lat, lon)
			}
		}
	}

	if !created && fhirclient.EqualsDeep(baseline, modified) {
		// The rule matched but nothing needs writing.
		return FhirOutcome{Rule: ru}, true, nil
	}

	if err := tc.Locks.Lock(ctx, lockOutTE+tei.ID); err != nil {
		return FhirOutcome{}, false, err
	}

	var saved fhirclient.Resource
	if created {
		saved, err = s.fhir.Create(ctx, modified)
	} else {
		saved, err = s.fhir.Update(ctx, modified)
	}
	if err != nil {
		return FhirOutcome{}, false, err
	}
	if err := s.assignments.Save(ctx, Assignment{RuleID: ru.ID, DhisID: tei.ID, FhirID: saved.ID()}); err != nil {
		return FhirOutcome{}, false, err
	}

	s.logger.Info().Str("rule", ru.Name).Str("dhisId", tei.ID).
		Str("fhirId", saved.ID()).Bool("created", created).
		Msg("tracked entity exported")
	return FhirOutcome{Rule: ru, Resource: saved, Created: created}, true, nil
}

// resolveFhirResource finds the FHIR counterpart of the instance: assignment
// fast path, then identifier searches, then creation when the rule allows it.
// A nil resource with nil error means the rule cannot produce a counterpart.
func (s *Service) resolveFhirResource(ctx context.Context, tc *Context, ru *rule.Rule,
	tei *tracker.TrackedEntityInstance) (fhirclient.Resource, bool, error) {

	fhirID, err := s.assignments.FhirID(ctx, ru.ID, tei.ID)
	if err != nil {
		return nil, false, err
	}
	if fhirID != "" {
		res, err := s.fhir.Read(ctx, ru.FhirResourceType, fhirID)
		if err != nil {
			return nil, false, err
		}
		if res != nil {
			return res, false, nil
		}
		// The assigned counterpart was deleted remotely; fall through to
		// the searches.
		s.logger.Warn().Str("rule", ru.Name).Str("fhirId", fhirID).
			Msg("assigned resource no longer exists")
	}

	res, identValue, err := s.searchCounterpart(ctx, tc, ru, tei)
	if err != nil {
		return nil, false, err
	}
	if res != nil {
		return res, false, nil
	}

	if tc.CreationDisabled || !ru.FhirCreateEnabled {
		return nil, false, nil
	}

	// Creation claims the entity and its identifiers. A concurrent
	// transform may have created the counterpart between the search and the
	// lock, so the searches run again once the locks are held.
	if err := tc.Locks.Lock(ctx, lockOutTE+tei.ID); err != nil {
		return nil, false, err
	}
	if identValue != "" {
		if err := tc.Locks.Lock(ctx, lockFhirIdentifier+s.opts.NationalIdentifierSystem+"|"+identValue); err != nil {
			return nil, false, err
		}
	}
	adapterValue := adapterIdentifierValue(ru, tei.ID)
	if tc.UseAdapterIdentifiers {
		if err := tc.Locks.Lock(ctx, lockFhirIdentifier+s.opts.AdapterIdentifierSystem+"|"+adapterValue); err != nil {
			return nil, false, err
		}
	}
	res, identValue, err = s.searchCounterpart(ctx, tc, ru, tei)
	if err != nil {
		return nil, false, err
	}
	if res != nil {
		return res, false, nil
	}

	fresh := fhirclient.New(ru.FhirResourceType)
	if identValue != "" {
		fresh.AddOrUpdateIdentifier(s.opts.NationalIdentifierSystem, identValue)
	}
	if tc.UseAdapterIdentifiers {
		fresh.AddOrUpdateIdentifier(s.opts.AdapterIdentifierSystem, adapterValue)
	}
	return fresh, true, nil
}

// searchCounterpart runs the identifier searches: the subject's own
// identifier first, then the adapter-assigned identifier. It also returns the
// subject's identifier value for reuse by the creation path.
func (s *Service) searchCounterpart(ctx context.Context, tc *Context, ru *rule.Rule,
	tei *tracker.TrackedEntityInstance) (fhirclient.Resource, string, error) {

	identValue, err := s.nationalIdentifierValue(ctx, ru, tei)
	if err != nil {
		return nil, "", err
	}
	if identValue != "" {
		res, err := s.fhir.SearchByIdentifier(ctx, ru.FhirResourceType, s.opts.NationalIdentifierSystem, identValue)
		if err != nil {
			return nil, "", err
		}
		if res != nil {
			return res, identValue, nil
		}
	}

	if tc.UseAdapterIdentifiers && s.opts.AdapterIdentifierSystem != "" {
		res, err := s.fhir.SearchByIdentifier(ctx, ru.FhirResourceType,
			s.opts.AdapterIdentifierSystem, adapterIdentifierValue(ru, tei.ID))
		if err != nil {
			return nil, "", err
		}
		if res != nil {
			return res, identValue, nil
		}
	}
	return nil, identValue, nil
}

// nationalIdentifierValue reads the instance's identifier attribute as
// declared by the rule. Missing declaration or empty value yields "".
func (s *Service) nationalIdentifierValue(ctx context.Context, ru *rule.Rule, tei *tracker.TrackedEntityInstance) (string, error) {
	if s.opts.NationalIdentifierSystem == "" || ru.TrackedEntityIdentifierRef.IsZero() {
		return "", nil
	}
	attr, err := s.meta.AttributeByReference(ctx, ru.TrackedEntityIdentifierRef)
	if err != nil {
		return "", err
	}
	if attr == nil {
		return "", fmt.Errorf("rule %s references undefined identifier attribute %s", ru.Name, ru.TrackedEntityIdentifierRef)
	}
	value, _ := tei.Attribute(attr.ID).Value.(string)
	return value, nil
}
