package transform

import (
	"context"

	"github.com/dhisfhir/adapter/internal/domain/rule"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
	"github.com/dhisfhir/adapter/internal/platform/script"
)

// ExportEvent applies every applicable export rule to the program stage
// event. Events carry no national identifier attribute; the counterpart is
// resolved through the assignment table and the adapter identifier only.
func (s *Service) ExportEvent(ctx context.Context, tc *Context, ev *tracker.Event) ([]FhirOutcome, error) {
	candidates, err := s.rules.ResolveDhisRules(ctx, rule.DhisResourceEvent)
	if err != nil {
		return nil, err
	}
	applicable := s.rules.FilterRules(candidates, rule.Export, nil)

	var outcomes []FhirOutcome
	for _, ru := range applicable {
		outcome, applied, err := s.exportEventRule(ctx, tc, ru, ev)
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

func (s *Service) exportEventRule(ctx context.Context, tc *Context, ru *rule.Rule,
	ev *tracker.Event) (FhirOutcome, bool, error) {

	scripted := NewScriptedEvent(ev)
	vars := script.NewVariables().
		With(script.VarInput, scripted).
		With(script.VarContext, tc).
		With(script.VarRule, ru).
		With(script.VarEvent, scripted)

	if src := ru.ApplicableScript(rule.Export); src != nil {
		ok, err := s.scripts.ExecuteBool(src, vars)
		if err != nil {
			return FhirOutcome{}, false, err
		}
		if !ok {
			return FhirOutcome{}, false, nil
		}
	}

	baseline, created, err := s.resolveAssignedResource(ctx, tc, ru, ev.ID, lockOutEvent+ev.ID)
	if err != nil {
		return FhirOutcome{}, false, err
	}
	if baseline == nil {
		return FhirOutcome{}, false, nil
	}
	if !created && !ru.FhirUpdateEnabled {
		return FhirOutcome{}, false, nil
	}

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
	if !ok {
		return FhirOutcome{}, false, nil
	}

	if src := ru.Scripts.GeoTransformExp; src != nil {
		ok, err := s.scripts.ExecuteBool(src, vars)
		if err != nil {
			return FhirOutcome{}, false, err
		}
		if !ok {
			return FhirOutcome{}, false, nil
		}
		if ev.Coordinate != nil {
			GeoWriterFor(tc.FhirVersion).Write(modified, ev.Coordinate.Latitude, ev.Coordinate.Longitude)
		}
	}

	if !created && fhirclient.EqualsDeep(baseline, modified) {
		return FhirOutcome{Rule: ru}, true, nil
	}

	if err := tc.Locks.Lock(ctx, lockOutEvent+ev.ID); err != nil {
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
	if err := s.assignments.Save(ctx, Assignment{RuleID: ru.ID, DhisID: ev.ID, FhirID: saved.ID()}); err != nil {
		return FhirOutcome{}, false, err
	}

	s.logger.Info().Str("rule", ru.Name).Str("dhisId", ev.ID).
		Str("fhirId", saved.ID()).Bool("created", created).
		Msg("event exported")
	return FhirOutcome{Rule: ru, Resource: saved, Created: created}, true, nil
}

// resolveAssignedResource finds or creates the FHIR counterpart of a DHIS2
// resource that carries no national identifier: assignment fast path, adapter
// identifier search, then creation under the resource and identifier locks.
func (s *Service) resolveAssignedResource(ctx context.Context, tc *Context, ru *rule.Rule,
	dhisID, lockKey string) (fhirclient.Resource, bool, error) {

	fhirID, err := s.assignments.FhirID(ctx, ru.ID, dhisID)
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
		s.logger.Warn().Str("rule", ru.Name).Str("fhirId", fhirID).
			Msg("assigned resource no longer exists")
	}

	res, err := s.searchAssignedCounterpart(ctx, tc, ru, dhisID)
	if err != nil {
		return nil, false, err
	}
	if res != nil {
		return res, false, nil
	}

	if tc.CreationDisabled || !ru.FhirCreateEnabled {
		return nil, false, nil
	}

	if err := tc.Locks.Lock(ctx, lockKey); err != nil {
		return nil, false, err
	}
	adapterValue := adapterIdentifierValue(ru, dhisID)
	if tc.UseAdapterIdentifiers {
		if err := tc.Locks.Lock(ctx, lockFhirIdentifier+s.opts.AdapterIdentifierSystem+"|"+adapterValue); err != nil {
			return nil, false, err
		}
	}
	res, err = s.searchAssignedCounterpart(ctx, tc, ru, dhisID)
	if err != nil {
		return nil, false, err
	}
	if res != nil {
		return res, false, nil
	}

	fresh := fhirclient.New(ru.FhirResourceType)
	if tc.UseAdapterIdentifiers {
		fresh.AddOrUpdateIdentifier(s.opts.AdapterIdentifierSystem, adapterValue)
	}
	return fresh, true, nil
}

func (s *Service) searchAssignedCounterpart(ctx context.Context, tc *Context, ru *rule.Rule,
	dhisID string) (fhirclient.Resource, error) {
	if !tc.UseAdapterIdentifiers || s.opts.AdapterIdentifierSystem == "" {
		return nil, nil
	}
	return s.fhir.SearchByIdentifier(ctx, ru.FhirResourceType,
		s.opts.AdapterIdentifierSystem, adapterIdentifierValue(ru, dhisID))
}
