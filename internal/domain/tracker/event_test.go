package tracker

import "testing"

func TestEventSetDataValue(t *testing.T) {
	ev := &Event{ID: "Evt00000001"}

	ev.SetDataValue("DeWeight0001", "72.5")
	if !ev.IsModified() {
		t.Error("setting a new data value must mark the event modified")
	}
	if got := ev.DataValue("DeWeight0001").Value; got != "72.5" {
		t.Errorf("value = %v", got)
	}

	ev2 := &Event{
		ID:         "Evt00000002",
		DataValues: []*DataValue{{DataElementID: "DeWeight0001", Value: "72.5"}},
	}
	ev2.SetDataValue("DeWeight0001", "72.5")
	if ev2.IsModified() {
		t.Error("re-applying an identical data value must not mark the event modified")
	}
	ev2.SetDataValue("DeWeight0001", "73.0")
	if !ev2.IsModified() {
		t.Error("changing a data value must mark the event modified")
	}
}

func TestEventDataValueBackfillsSlot(t *testing.T) {
	ev := &Event{}
	dv := ev.DataValue("DeHeight0001")
	if dv == nil || len(ev.DataValues) != 1 {
		t.Fatalf("slot was not backfilled: %+v", ev.DataValues)
	}
	if ev.IsModified() {
		t.Error("reading a data value must not mark the event modified")
	}
}
