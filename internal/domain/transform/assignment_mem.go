package transform

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type assignmentKey struct {
	ruleID uuid.UUID
	dhisID string
}

// MemAssignmentRepo is the in-memory assignment repository used by tests.
type MemAssignmentRepo struct {
	mu     sync.Mutex
	byDhis map[assignmentKey]string
}

func NewMemAssignmentRepo() *MemAssignmentRepo {
	return &MemAssignmentRepo{byDhis: make(map[assignmentKey]string)}
}

func (r *MemAssignmentRepo) FhirID(ctx context.Context, ruleID uuid.UUID, dhisID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDhis[assignmentKey{ruleID, dhisID}], nil
}

func (r *MemAssignmentRepo) DhisID(ctx context.Context, ruleID uuid.UUID, fhirID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, fid := range r.byDhis {
		if key.ruleID == ruleID && fid == fhirID {
			return key.dhisID, nil
		}
	}
	return "", nil
}

func (r *MemAssignmentRepo) Save(ctx context.Context, a Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDhis[assignmentKey{a.RuleID, a.DhisID}] = a.FhirID
	return nil
}
