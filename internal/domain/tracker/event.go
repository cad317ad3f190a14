package tracker

import (
	"reflect"
	"time"
)

// DataValue is one data element slot of a program stage event.
type DataValue struct {
	DataElementID string     `json:"dataElement"`
	Value         any        `json:"value"`
	LastUpdated   *time.Time `json:"lastUpdated,omitempty"`
	StoredBy      string     `json:"storedBy,omitempty"`
}

// Coordinate is the point geometry of an event.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Event is a DHIS2 program stage event. Events flow through the export
// pipeline the same way tracked entity instances do; the data values take the
// place of the attribute values.
type Event struct {
	ID             string       `json:"event,omitempty"`
	ProgramID      string       `json:"program,omitempty"`
	ProgramStageID string       `json:"programStage,omitempty"`
	EnrollmentID   string       `json:"enrollment,omitempty"`
	TrackedEntity  string       `json:"trackedEntityInstance,omitempty"`
	OrgUnitID      string       `json:"orgUnit,omitempty"`
	Status         string       `json:"status,omitempty"`
	EventDate      string       `json:"eventDate,omitempty"`
	Coordinate     *Coordinate  `json:"coordinate,omitempty"`
	LastUpdated    *time.Time   `json:"lastUpdated,omitempty"`
	DataValues     []*DataValue `json:"dataValues"`

	modified bool
}

func (e *Event) IsModified() bool { return e.modified }

// DataValue returns the slot for the data element id, backfilling a slot when
// the event was loaded without one.
func (e *Event) DataValue(dataElementID string) *DataValue {
	for _, dv := range e.DataValues {
		if dv.DataElementID == dataElementID {
			return dv
		}
	}
	dv := &DataValue{DataElementID: dataElementID}
	e.DataValues = append(e.DataValues, dv)
	return dv
}

// SetDataValue sets a data value, marking the event modified only when the
// value actually changes.
func (e *Event) SetDataValue(dataElementID string, value any) {
	dv := e.DataValue(dataElementID)
	if reflect.DeepEqual(dv.Value, value) {
		return
	}
	dv.Value = value
	e.modified = true
}
