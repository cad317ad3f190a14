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

// ImportResource applies every applicable import rule to the FHIR resource.
// On import the rule's tracked entity reference names the target type rather
// than narrowing applicability, so candidates are filtered on enablement
// only.
func (s *Service) ImportResource(ctx context.Context, tc *Context, res fhirclient.Resource) ([]DhisOutcome, error) {
	if res.Type() == "" {
		return nil, fmt.Errorf("resource has no resourceType")
	}

	candidates, err := s.rules.ResolveFhirRules(ctx, res.Type())
	if err != nil {
		return nil, err
	}

	var outcomes []DhisOutcome
	for _, ru := range candidates {
		if !ru.Enabled || !ru.DirectionEnabled(rule.Import) {
			continue
		}
		outcome, applied, err := s.importRule(ctx, tc, ru, res)
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

func (s *Service) importRule(ctx context.Context, tc *Context, ru *rule.Rule, res fhirclient.Resource) (DhisOutcome, bool, error) {
	typ, err := s.meta.TypeByReference(ctx, ru.TrackedEntityRef)
	if err != nil {
		return DhisOutcome{}, false, err
	}
	if typ == nil {
		return DhisOutcome{}, false, fmt.Errorf("rule %s references undefined tracked entity type %s", ru.Name, ru.TrackedEntityRef)
	}

	vars := script.NewVariables().
		With(script.VarInput, NewScriptedFhirResource(res)).
		With(script.VarContext, tc).
		With(script.VarRule, ru).
		With(script.VarTrackedEntityType, typ).
		With(script.VarTrackedEntityAttributes, typ.Attributes)

	if src := ru.ApplicableScript(rule.Import); src != nil {
		ok, err := s.scripts.ExecuteBool(src, vars)
		if err != nil {
			return DhisOutcome{}, false, err
		}
		if !ok {
			return DhisOutcome{}, false, nil
		}
	}

	tei, created, err := s.resolveTrackedEntity(ctx, tc, ru, typ, res)
	if err != nil {
		return DhisOutcome{}, false, err
	}
	if tei == nil {
		return DhisOutcome{}, false, nil
	}

	// Existing instances serialize on their own id; new instances claim the
	// FHIR resource id until the create assigns one.
	if created {
		if err := tc.Locks.Lock(ctx, lockTeiFhirID+res.ID()); err != nil {
			return DhisOutcome{}, false, err
		}
	} else {
		if err := tc.Locks.Lock(ctx, lockInTE+tei.ID); err != nil {
			return DhisOutcome{}, false, err
		}
	}

	scripted := NewScriptedTrackedEntity(tei, typ, s.attributeResolver(ctx))
	vars.With(script.VarOutput, scripted).
		With(script.VarTrackedEntityInstance, scripted)

	ou, err := s.resolveImportOrgUnit(ctx, ru, vars, tei)
	if err != nil {
		return DhisOutcome{}, false, err
	}
	if ou == nil && tei.OrgUnitID == "" {
		s.logger.Warn().Str("rule", ru.Name).Str("fhirId", res.ID()).
			Msg("no organisation unit could be resolved")
		return DhisOutcome{}, false, nil
	}
	if ou != nil {
		scripted.SetOrganizationUnitId(ou.ID)
	}

	src := ru.TransformScript(rule.Import)
	if src == nil {
		s.logger.Debug().Str("rule", ru.Name).Msg("rule has no import transform script")
		return DhisOutcome{}, false, nil
	}
	ok, err := s.scripts.ExecuteBool(src, vars)
	if err != nil {
		return DhisOutcome{}, false, err
	}
	if err := scripted.Err(); err != nil {
		return DhisOutcome{}, false, err
	}
	if !ok {
		return DhisOutcome{}, false, nil
	}

	if err := s.applyNationalIdentifier(ctx, ru, res, tei); err != nil {
		return DhisOutcome{}, false, err
	}

	requiredValues := map[metadata.RequiredValueType]string{}
	if ou != nil && ou.Code != "" {
		requiredValues[metadata.RequiredOrgUnitCode] = ou.Code
	}
	if err := s.tracker.UpdateGeneratedValues(ctx, tei, typ, requiredValues); err != nil {
		return DhisOutcome{}, false, err
	}

	if err := scripted.Validate(); err != nil {
		return DhisOutcome{}, false, fmt.Errorf("rule %s: %w", ru.Name, err)
	}

	if !tei.IsModified() && !tei.IsNewResource() {
		return DhisOutcome{Rule: ru}, true, nil
	}

	if err := s.tracker.CreateOrUpdate(ctx, tei); err != nil {
		return DhisOutcome{}, false, err
	}
	if err := s.assignments.Save(ctx, Assignment{RuleID: ru.ID, DhisID: tei.ID, FhirID: res.ID()}); err != nil {
		return DhisOutcome{}, false, err
	}

	s.logger.Info().Str("rule", ru.Name).Str("fhirId", res.ID()).
		Str("dhisId", tei.ID).Bool("created", created).
		Msg("resource imported")
	return DhisOutcome{Rule: ru, Instance: tei, Created: created}, true, nil
}

// resolveTrackedEntity finds the DHIS2 counterpart of the resource:
// assignment fast path, identifier attribute search, adapter identifier,
// then creation. A nil instance with nil error means creation is disabled.
func (s *Service) resolveTrackedEntity(ctx context.Context, tc *Context, ru *rule.Rule,
	typ *metadata.TrackedEntityType, res fhirclient.Resource) (*tracker.TrackedEntityInstance, bool, error) {

	tei, err := s.assignedTrackedEntity(ctx, ru, res)
	if err != nil {
		return nil, false, err
	}
	if tei != nil {
		return tei, false, nil
	}

	if s.opts.NationalIdentifierSystem != "" && !ru.TrackedEntityIdentifierRef.IsZero() {
		value, _ := res.IdentifierValue(s.opts.NationalIdentifierSystem)
		if value != "" {
			attr, err := s.meta.AttributeByReference(ctx, ru.TrackedEntityIdentifierRef)
			if err != nil {
				return nil, false, err
			}
			if attr == nil {
				return nil, false, fmt.Errorf("rule %s references undefined identifier attribute %s", ru.Name, ru.TrackedEntityIdentifierRef)
			}
			matches, err := s.tracker.FindByAttrValue(ctx, typ.ID, attr.ID, value, s.opts.MaxIdentityMatches)
			if err != nil {
				return nil, false, err
			}
			switch len(matches) {
			case 0:
			case 1:
				return matches[0], false, nil
			default:
				s.logger.Warn().Str("rule", ru.Name).Str("attribute", attr.ID).
					Int("matches", len(matches)).
					Msg("ambiguous identity search, treating as no match")
			}
		}
	}

	if s.opts.AdapterIdentifierSystem != "" {
		if value, ok := res.IdentifierValue(s.opts.AdapterIdentifierSystem); ok {
			if dhisID, ok := parseAdapterIdentifierValue(value); ok {
				tei, err := s.tracker.FindByID(ctx, dhisID)
				if err != nil {
					return nil, false, err
				}
				if tei != nil {
					return tei, false, nil
				}
			}
		}
	}

	if tc.CreationDisabled {
		return nil, false, nil
	}

	// Claim the resource id before creating so that a concurrent import of
	// the same resource observes the assignment written first.
	if err := tc.Locks.Lock(ctx, lockTeiFhirID+res.ID()); err != nil {
		return nil, false, err
	}
	tei, err = s.assignedTrackedEntity(ctx, ru, res)
	if err != nil {
		return nil, false, err
	}
	if tei != nil {
		return tei, false, nil
	}
	return tracker.NewInstance(typ, "", true), true, nil
}

// assignedTrackedEntity follows the assignment fast path. An assignment whose
// instance was deleted remotely yields nil so the searches run.
func (s *Service) assignedTrackedEntity(ctx context.Context, ru *rule.Rule, res fhirclient.Resource) (*tracker.TrackedEntityInstance, error) {
	dhisID, err := s.assignments.DhisID(ctx, ru.ID, res.ID())
	if err != nil || dhisID == "" {
		return nil, err
	}
	tei, err := s.tracker.FindByID(ctx, dhisID)
	if err != nil {
		return nil, err
	}
	if tei == nil {
		s.logger.Warn().Str("rule", ru.Name).Str("dhisId", dhisID).
			Msg("assigned tracked entity instance no longer exists")
	}
	return tei, nil
}

// resolveImportOrgUnit determines the organisation unit of the instance. The
// rule's lookup script produces the primary reference; an existing instance
// defaults to its current unit. The configured fallback reference is tried
// when the primary lookup misses.
func (s *Service) resolveImportOrgUnit(ctx context.Context, ru *rule.Rule,
	vars script.Variables, tei *tracker.TrackedEntityInstance) (*tracker.OrganisationUnit, error) {

	var primary metadata.Reference
	if src := ru.Scripts.OrgUnitLookup; src != nil {
		value, ok, err := s.scripts.ExecuteString(src, vars)
		if err != nil {
			return nil, err
		}
		if ok && value != "" {
			primary, err = metadata.ParseReference(value)
			if err != nil {
				return nil, fmt.Errorf("rule %s organisation unit lookup: %w", ru.Name, err)
			}
		}
	} else if tei.OrgUnitID != "" {
		primary = metadata.ByID(tei.OrgUnitID)
	}

	if primary.IsZero() && s.opts.FallbackOrgUnit.IsZero() {
		return nil, nil
	}
	return s.tracker.ResolveOrgUnit(ctx, primary, s.opts.FallbackOrgUnit)
}

// applyNationalIdentifier copies the subject's identifier from the resource
// into the declared identifier attribute when that attribute is still empty.
// Scripts may have set it already; an existing value is never overwritten.
func (s *Service) applyNationalIdentifier(ctx context.Context, ru *rule.Rule, res fhirclient.Resource, tei *tracker.TrackedEntityInstance) error {
	if s.opts.NationalIdentifierSystem == "" || ru.TrackedEntityIdentifierRef.IsZero() {
		return nil
	}
	value, _ := res.IdentifierValue(s.opts.NationalIdentifierSystem)
	if value == "" {
		return nil
	}
	attr, err := s.meta.AttributeByReference(ctx, ru.TrackedEntityIdentifierRef)
	if err != nil {
		return err
	}
	if attr == nil {
		return fmt.Errorf("rule %s references undefined identifier attribute %s", ru.Name, ru.TrackedEntityIdentifierRef)
	}
	if !tei.ContainsAttributeWithValue(attr.ID) {
		tei.SetAttributeValue(attr.ID, value)
	}
	return nil
}
