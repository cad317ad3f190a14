package transform

import (
	"github.com/dhisfhir/adapter/internal/domain/tracker"
)

// ScriptedEvent is the script-facing wrapper around a program stage event.
// Data values are addressed by data element uid; events carry no code or name
// indirection the way tracked entity attributes do.
type ScriptedEvent struct {
	ev *tracker.Event
}

func NewScriptedEvent(ev *tracker.Event) *ScriptedEvent {
	return &ScriptedEvent{ev: ev}
}

// Event returns the wrapped event.
func (s *ScriptedEvent) Event() *tracker.Event { return s.ev }

func (s *ScriptedEvent) Id() string                      { return s.ev.ID }
func (s *ScriptedEvent) ProgramId() string               { return s.ev.ProgramID }
func (s *ScriptedEvent) ProgramStageId() string          { return s.ev.ProgramStageID }
func (s *ScriptedEvent) EnrollmentId() string            { return s.ev.EnrollmentID }
func (s *ScriptedEvent) TrackedEntityInstanceId() string { return s.ev.TrackedEntity }
func (s *ScriptedEvent) OrganizationUnitId() string      { return s.ev.OrgUnitID }
func (s *ScriptedEvent) Status() string                  { return s.ev.Status }
func (s *ScriptedEvent) EventDate() string               { return s.ev.EventDate }

// Value returns the data value of the data element, or nil.
func (s *ScriptedEvent) Value(dataElementID string) any {
	return s.ev.DataValue(dataElementID).Value
}

// SetValue assigns the data value. It always reports true so script
// expressions can chain assignments.
func (s *ScriptedEvent) SetValue(dataElementID string, value any) bool {
	s.ev.SetDataValue(dataElementID, value)
	return true
}

// SetOptionalValue assigns the data value unless it is nil.
func (s *ScriptedEvent) SetOptionalValue(dataElementID string, value any) bool {
	if value == nil {
		return true
	}
	return s.SetValue(dataElementID, value)
}
