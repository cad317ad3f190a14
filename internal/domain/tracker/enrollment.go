package tracker

import "time"

// Enrollment is the wire form of a program enrollment. Enrollments are read
// for export only; data flowing back into DHIS2 lands on the tracked entity
// instance.
type Enrollment struct {
	ID             string      `json:"enrollment,omitempty"`
	ProgramID      string      `json:"program,omitempty"`
	TrackedEntity  string      `json:"trackedEntityInstance,omitempty"`
	OrgUnitID      string      `json:"orgUnit,omitempty"`
	Status         string      `json:"status,omitempty"`
	EnrollmentDate string      `json:"enrollmentDate,omitempty"`
	IncidentDate   string      `json:"incidentDate,omitempty"`
	Coordinate     *Coordinate `json:"coordinate,omitempty"`
	LastUpdated    *time.Time  `json:"lastUpdated,omitempty"`
}
