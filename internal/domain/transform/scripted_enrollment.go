package transform

import (
	"github.com/dhisfhir/adapter/internal/domain/tracker"
)

// ScriptedEnrollment is the script-facing wrapper around a program
// enrollment. Enrollments expose their dates and status but carry no
// writable values.
type ScriptedEnrollment struct {
	en *tracker.Enrollment
}

func NewScriptedEnrollment(en *tracker.Enrollment) *ScriptedEnrollment {
	return &ScriptedEnrollment{en: en}
}

// Enrollment returns the wrapped enrollment.
func (s *ScriptedEnrollment) Enrollment() *tracker.Enrollment { return s.en }

func (s *ScriptedEnrollment) Id() string                      { return s.en.ID }
func (s *ScriptedEnrollment) ProgramId() string               { return s.en.ProgramID }
func (s *ScriptedEnrollment) TrackedEntityInstanceId() string { return s.en.TrackedEntity }
func (s *ScriptedEnrollment) OrganizationUnitId() string      { return s.en.OrgUnitID }
func (s *ScriptedEnrollment) Status() string                  { return s.en.Status }
func (s *ScriptedEnrollment) EnrollmentDate() string          { return s.en.EnrollmentDate }
func (s *ScriptedEnrollment) IncidentDate() string            { return s.en.IncidentDate }
