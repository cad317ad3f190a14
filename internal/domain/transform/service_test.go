package transform

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/domain/rule"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
	"github.com/dhisfhir/adapter/internal/platform/lock"
	"github.com/dhisfhir/adapter/internal/platform/script"
)

const (
	mrnSystem     = "http://example.org/mrn"
	adapterSystem = "http://example.org/adapter-id"

	personTypeID = "TetPerson001"
	attrMRN      = "AttrMrn00001"
	attrGender   = "AttrGender01"
	attrUID      = "AttrUid00001"
)

func personType() *metadata.TrackedEntityType {
	return &metadata.TrackedEntityType{
		ID:   personTypeID,
		Name: "Person",
		Attributes: []metadata.TypeAttribute{
			{AttributeID: attrMRN, Name: "MRN", Mandatory: true, ValueType: metadata.ValueTypeText},
			{AttributeID: attrGender, Name: "Gender", ValueType: metadata.ValueTypeText},
			{AttributeID: attrUID, Name: "Unique ID", Generated: true, ValueType: metadata.ValueTypeInteger},
		},
	}
}

type fakeMeta struct {
	typ   *metadata.TrackedEntityType
	attrs []*metadata.Attribute
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		typ: personType(),
		attrs: []*metadata.Attribute{
			{ID: attrMRN, Name: "MRN", Code: "MRN", ValueType: metadata.ValueTypeText},
			{ID: attrGender, Name: "Gender", Code: "GENDER", ValueType: metadata.ValueTypeText},
			{ID: attrUID, Name: "Unique ID", Code: "UID", ValueType: metadata.ValueTypeInteger, Generated: true},
		},
	}
}

func (m *fakeMeta) TypeByReference(ctx context.Context, ref metadata.Reference) (*metadata.TrackedEntityType, error) {
	switch ref.Type {
	case metadata.ReferenceID:
		if ref.Value == m.typ.ID {
			return m.typ, nil
		}
	case metadata.ReferenceName:
		if ref.Value == m.typ.Name {
			return m.typ, nil
		}
	}
	return nil, nil
}

func (m *fakeMeta) AttributeByReference(ctx context.Context, ref metadata.Reference) (*metadata.Attribute, error) {
	for _, a := range m.attrs {
		switch ref.Type {
		case metadata.ReferenceID:
			if a.ID == ref.Value {
				return a, nil
			}
		case metadata.ReferenceCode:
			if a.Code == ref.Value {
				return a, nil
			}
		case metadata.ReferenceName:
			if a.Name == ref.Value {
				return a, nil
			}
		}
	}
	return nil, nil
}

type fakeFhir struct {
	version fhirclient.Version
	stored  map[string]fhirclient.Resource // "Type/id"
	byIdent map[string]fhirclient.Resource // "system|value"

	creates  int
	updates  int
	searches int
	nextID   int
}

func newFakeFhir() *fakeFhir {
	return &fakeFhir{
		version: fhirclient.R4,
		stored:  make(map[string]fhirclient.Resource),
		byIdent: make(map[string]fhirclient.Resource),
	}
}

func (f *fakeFhir) Version() fhirclient.Version { return f.version }

func (f *fakeFhir) Read(ctx context.Context, resourceType, id string) (fhirclient.Resource, error) {
	return f.stored[resourceType+"/"+id], nil
}

func (f *fakeFhir) SearchByIdentifier(ctx context.Context, resourceType, system, value string) (fhirclient.Resource, error) {
	f.searches++
	return f.byIdent[system+"|"+value], nil
}

func (f *fakeFhir) index(res fhirclient.Resource) {
	f.stored[res.Type()+"/"+res.ID()] = res
	for _, system := range []string{mrnSystem, adapterSystem} {
		if value, ok := res.IdentifierValue(system); ok && value != "" {
			f.byIdent[system+"|"+value] = res
		}
	}
}

func (f *fakeFhir) Create(ctx context.Context, res fhirclient.Resource) (fhirclient.Resource, error) {
	f.creates++
	f.nextID++
	out := res.Clone()
	out.SetID("f" + strconv.Itoa(f.nextID))
	f.index(out)
	return out, nil
}

func (f *fakeFhir) Update(ctx context.Context, res fhirclient.Resource) (fhirclient.Resource, error) {
	f.updates++
	out := res.Clone()
	f.index(out)
	return out, nil
}

type fakeTracker struct {
	byID     map[string]*tracker.TrackedEntityInstance
	byAttr   map[string][]*tracker.TrackedEntityInstance // "attrID|value"
	orgUnits map[string]*tracker.OrganisationUnit        // reference string

	creates  int
	updates  int
	genCalls []map[metadata.RequiredValueType]string
	nextID   int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		byID:   make(map[string]*tracker.TrackedEntityInstance),
		byAttr: make(map[string][]*tracker.TrackedEntityInstance),
		orgUnits: map[string]*tracker.OrganisationUnit{
			"CODE:OU1": {ID: "OrgUnit00001", Code: "OU1", Name: "Clinic One"},
		},
	}
}

func (f *fakeTracker) FindByID(ctx context.Context, id string) (*tracker.TrackedEntityInstance, error) {
	return f.byID[id], nil
}

func (f *fakeTracker) FindByAttrValue(ctx context.Context, typeID, attributeID, value string, maxResults int) ([]*tracker.TrackedEntityInstance, error) {
	matches := f.byAttr[attributeID+"|"+value]
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches, nil
}

func (f *fakeTracker) CreateOrUpdate(ctx context.Context, tei *tracker.TrackedEntityInstance) error {
	if tei.IsNewResource() {
		f.creates++
		f.nextID++
		tei.ID = fmt.Sprintf("Tei%08d", f.nextID)
		tei.ResetNewResource()
	} else {
		f.updates++
	}
	f.byID[tei.ID] = tei
	return nil
}

func (f *fakeTracker) UpdateGeneratedValues(ctx context.Context, tei *tracker.TrackedEntityInstance,
	typ *metadata.TrackedEntityType, requiredValues map[metadata.RequiredValueType]string) error {
	f.genCalls = append(f.genCalls, requiredValues)
	for _, a := range typ.Attributes {
		if a.Generated && tei.Attribute(a.AttributeID).Value == nil {
			tei.Attribute(a.AttributeID).Value = "100042"
		}
	}
	return nil
}

func (f *fakeTracker) ResolveOrgUnit(ctx context.Context, primary, fallback metadata.Reference) (*tracker.OrganisationUnit, error) {
	if !primary.IsZero() {
		if ou := f.orgUnits[primary.String()]; ou != nil {
			return ou, nil
		}
	}
	if fallback.IsZero() {
		return nil, nil
	}
	return f.orgUnits[fallback.String()], nil
}

func mustUUID(s string) uuid.UUID { return uuid.MustParse(s) }

func boolScript(code string) *script.Source {
	return &script.Source{ID: uuid.New(), Name: code, Code: code, ReturnType: script.ReturnBool}
}

func stringScript(code string) *script.Source {
	return &script.Source{ID: uuid.New(), Name: code, Code: code, ReturnType: script.ReturnString}
}

// patientRule maps Person tracked entities to Patient resources in both
// directions.
func patientRule() *rule.Rule {
	return &rule.Rule{
		ID:                         uuid.MustParse("3e1c7b52-40bd-4ad1-9aa9-5a0a58232d6d"),
		Name:                       "patient",
		Enabled:                    true,
		EvaluationOrder:            10,
		DhisResourceType:           rule.DhisResourceTrackedEntity,
		FhirResourceType:           "Patient",
		ImpEnabled:                 true,
		ExpEnabled:                 true,
		FhirCreateEnabled:          true,
		FhirUpdateEnabled:          true,
		TrackedEntityRef:           metadata.ByName("Person"),
		TrackedEntityIdentifierRef: metadata.ByCode("MRN"),
		Scripts: rule.Scripts{
			TransformExp: boolScript(
				`output.SetValue("gender", input.Value("CODE:GENDER")) && output.SetIdentifier("` + mrnSystem + `", input.Value("CODE:MRN"))`),
			TransformImp:  boolScript(`output.SetValue("CODE:GENDER", input.Value("gender"))`),
			OrgUnitLookup: stringScript(`"CODE:OU1"`),
		},
	}
}

type fixture struct {
	svc         *Service
	fhir        *fakeFhir
	tracker     *fakeTracker
	assignments *MemAssignmentRepo
	locks       *lock.Manager
}

func newFixture(rules ...*rule.Rule) *fixture {
	f := &fixture{
		fhir:        newFakeFhir(),
		tracker:     newFakeTracker(),
		assignments: NewMemAssignmentRepo(),
		locks:       lock.NewManager(),
	}
	f.svc = NewService(
		rule.NewResolver(rule.NewMemRepo(rules)),
		newFakeMeta(),
		f.tracker,
		f.fhir,
		f.assignments,
		script.NewExecutor(),
		Options{
			NationalIdentifierSystem: mrnSystem,
			AdapterIdentifierSystem:  adapterSystem,
			FallbackOrgUnit:          metadata.ByCode("OU1"),
		},
		zerolog.Nop(),
	)
	return f
}

func (f *fixture) context() *Context {
	return &Context{
		FhirVersion:           fhirclient.R4,
		UseAdapterIdentifiers: true,
		Locks:                 f.locks.NewContext(),
	}
}

// personInstance returns an existing instance with MRN and gender set.
func personInstance(id string) *tracker.TrackedEntityInstance {
	tei := tracker.NewInstance(personType(), id, false)
	tei.Attribute(attrMRN).Value = "12345"
	tei.Attribute(attrGender).Value = "female"
	tei.OrgUnitID = "OrgUnit00001"
	return tei
}
