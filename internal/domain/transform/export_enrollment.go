package transform

import (
	"context"

	"github.com/dhisfhir/adapter/internal/domain/rule"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
	"github.com/dhisfhir/adapter/internal/platform/script"
)

// ExportEnrollment applies every applicable export rule to the program
// enrollment. Like events, enrollments carry no national identifier; the
// counterpart is resolved through the assignment table and the adapter
// identifier only.
func (s *Service) ExportEnrollment(ctx context.Context, tc *Context, en *tracker.Enrollment) ([]FhirOutcome, error) {
	candidates, err := s.rules.ResolveDhisRules(ctx, rule.DhisResourceEnrollment)
	if err != nil {
		return nil, err
	}
	applicable := s.rules.FilterRules(candidates, rule.Export, nil)

	var outcomes []FhirOutcome
	for _, ru := range applicable {
		outcome, applied, err := s.exportEnrollmentRule(ctx, tc, ru, en)
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

func (s *Service) exportEnrollmentRule(ctx context.Context, tc *Context, ru *rule.Rule,
	en *tracker.Enrollment) (FhirOutcome, bool, error) {

	scripted := NewScriptedEnrollment(en)
	vars := script.NewVariables().
		With(script.VarInput, scripted).
		With(script.VarContext, tc).
		With(script.VarRule, ru).
		With(script.VarEnrollment, scripted)

	if src := ru.ApplicableScript(rule.Export); src != nil {
		ok, err := s.scripts.ExecuteBool(src, vars)
		if err != nil {
			return FhirOutcome{}, false, err
		}
		if !ok {
			return FhirOutcome{}, false, nil
		}
	}

	baseline, created, err := s.resolveAssignedResource(ctx, tc, ru, en.ID, lockOutEnrollment+en.ID)
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
		if en.Coordinate != nil {
			GeoWriterFor(tc.FhirVersion).Write(modified, en.Coordinate.Latitude, en.Coordinate.Longitude)
		}
	}

	if !created && fhirclient.EqualsDeep(baseline, modified) {
		return FhirOutcome{Rule: ru}, true, nil
	}

	if err := tc.Locks.Lock(ctx, lockOutEnrollment+en.ID); err != nil {
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
	if err := s.assignments.Save(ctx, Assignment{RuleID: ru.ID, DhisID: en.ID, FhirID: saved.ID()}); err != nil {
		return FhirOutcome{}, false, err
	}

	s.logger.Info().Str("rule", ru.Name).Str("dhisId", en.ID).
		Str("fhirId", saved.ID()).Bool("created", created).
		Msg("enrollment exported")
	return FhirOutcome{Rule: ru, Resource: saved, Created: created}, true, nil
}
