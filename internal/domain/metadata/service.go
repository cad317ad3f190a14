package metadata

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// api is the slice of the DHIS2 client the metadata service uses.
type api interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
}

// index holds the lookup maps for one metadata load. An index is immutable
// after construction and shared across goroutines.
type index struct {
	typesByID   map[string]*TrackedEntityType
	typesByName map[string]*TrackedEntityType
	attrsByID   map[string]*Attribute
	attrsByCode map[string]*Attribute
	attrsByName map[string]*Attribute
}

// Service is the read-through metadata cache. The first lookup loads all
// tracked entity types and attributes; Refresh replaces the whole index.
type Service struct {
	api    api
	logger zerolog.Logger

	idx      atomic.Pointer[index]
	loadMu   sync.Mutex
	required sync.Map // attribute id -> RequiredValues
}

func NewService(api api, logger zerolog.Logger) *Service {
	return &Service{
		api:    api,
		logger: logger.With().Str("component", "metadata").Logger(),
	}
}

type typeAttributePayload struct {
	Mandatory              bool `json:"mandatory"`
	Generated              bool `json:"generated"`
	TrackedEntityAttribute struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		ValueType ValueType `json:"valueType"`
	} `json:"trackedEntityAttribute"`
}

type typePayload struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Attributes []typeAttributePayload `json:"trackedEntityTypeAttributes"`
}

// load fetches all tracked entity types and attributes and builds a fresh
// index.
func (s *Service) load(ctx context.Context) (*index, error) {
	var types struct {
		TrackedEntityTypes []typePayload `json:"trackedEntityTypes"`
	}
	query := url.Values{}
	query.Set("paging", "false")
	query.Set("fields", "id,name,trackedEntityTypeAttributes[mandatory,generated,trackedEntityAttribute[id,name,valueType]]")
	if err := s.api.GetJSON(ctx, "/trackedEntityTypes.json", query, &types); err != nil {
		return nil, fmt.Errorf("load tracked entity types: %w", err)
	}

	var attrs struct {
		TrackedEntityAttributes []Attribute `json:"trackedEntityAttributes"`
	}
	query = url.Values{}
	query.Set("paging", "false")
	query.Set("fields", "id,name,code,valueType,generated")
	if err := s.api.GetJSON(ctx, "/trackedEntityAttributes.json", query, &attrs); err != nil {
		return nil, fmt.Errorf("load tracked entity attributes: %w", err)
	}

	idx := &index{
		typesByID:   make(map[string]*TrackedEntityType, len(types.TrackedEntityTypes)),
		typesByName: make(map[string]*TrackedEntityType, len(types.TrackedEntityTypes)),
		attrsByID:   make(map[string]*Attribute, len(attrs.TrackedEntityAttributes)),
		attrsByCode: make(map[string]*Attribute),
		attrsByName: make(map[string]*Attribute, len(attrs.TrackedEntityAttributes)),
	}
	for _, p := range types.TrackedEntityTypes {
		t := &TrackedEntityType{ID: p.ID, Name: p.Name}
		for _, ap := range p.Attributes {
			t.Attributes = append(t.Attributes, TypeAttribute{
				AttributeID: ap.TrackedEntityAttribute.ID,
				Name:        ap.TrackedEntityAttribute.Name,
				Mandatory:   ap.Mandatory,
				Generated:   ap.Generated,
				ValueType:   ap.TrackedEntityAttribute.ValueType,
			})
		}
		idx.typesByID[t.ID] = t
		if t.Name != "" {
			idx.typesByName[t.Name] = t
		}
	}
	for i := range attrs.TrackedEntityAttributes {
		a := &attrs.TrackedEntityAttributes[i]
		idx.attrsByID[a.ID] = a
		if a.Code != "" {
			idx.attrsByCode[a.Code] = a
		}
		if a.Name != "" {
			idx.attrsByName[a.Name] = a
		}
	}

	s.logger.Info().
		Int("types", len(idx.typesByID)).
		Int("attributes", len(idx.attrsByID)).
		Msg("metadata loaded")
	return idx, nil
}

// Refresh replaces the cached index with a freshly loaded one.
func (s *Service) Refresh(ctx context.Context) error {
	idx, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.idx.Store(idx)
	return nil
}

// current returns the cached index, loading it on first use. Concurrent first
// lookups load once.
func (s *Service) current(ctx context.Context) (*index, error) {
	if idx := s.idx.Load(); idx != nil {
		return idx, nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if idx := s.idx.Load(); idx != nil {
		return idx, nil
	}
	idx, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.idx.Store(idx)
	return idx, nil
}

// TypeByReference resolves a tracked entity type by id or name.
// A code reference never matches; tracked entity types carry no code.
func (s *Service) TypeByReference(ctx context.Context, ref Reference) (*TrackedEntityType, error) {
	idx, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	switch ref.Type {
	case ReferenceID:
		return idx.typesByID[ref.Value], nil
	case ReferenceName:
		return idx.typesByName[ref.Value], nil
	case ReferenceCode:
		return nil, nil
	}
	return nil, fmt.Errorf("unhandled reference type %q", ref.Type)
}

// AttributeByReference resolves a tracked entity attribute by id, code or
// name.
func (s *Service) AttributeByReference(ctx context.Context, ref Reference) (*Attribute, error) {
	idx, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	switch ref.Type {
	case ReferenceID:
		return idx.attrsByID[ref.Value], nil
	case ReferenceCode:
		return idx.attrsByCode[ref.Value], nil
	case ReferenceName:
		return idx.attrsByName[ref.Value], nil
	}
	return nil, fmt.Errorf("unhandled reference type %q", ref.Type)
}

// RequiredValues returns the generation parameter declaration of an
// attribute. Results are cached per attribute id for the process lifetime.
func (s *Service) RequiredValues(ctx context.Context, attributeID string) (RequiredValues, error) {
	if cached, ok := s.required.Load(attributeID); ok {
		return cached.(RequiredValues), nil
	}
	var rv RequiredValues
	path := fmt.Sprintf("/trackedEntityAttributes/%s/requiredValues.json", attributeID)
	if err := s.api.GetJSON(ctx, path, nil, &rv); err != nil {
		return RequiredValues{}, fmt.Errorf("load required values of %s: %w", attributeID, err)
	}
	s.required.Store(attributeID, rv)
	return rv, nil
}
