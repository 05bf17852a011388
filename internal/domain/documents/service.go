package documents

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/platform/hipaa"
)

// Service is the read side of document runs.
type Service struct {
	runs    RunRepository
	commits CommitStore
	enc     hipaa.FieldEncryptor
}

func NewService(runs RunRepository, commits CommitStore, enc hipaa.FieldEncryptor) *Service {
	return &Service{runs: runs, commits: commits, enc: enc}
}

func (s *Service) GetRun(ctx context.Context, userID, id uuid.UUID) (*DocumentRun, error) {
	return s.runs.Get(ctx, userID, id)
}

func (s *Service) ListRuns(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*DocumentRun, int, error) {
	return s.runs.List(ctx, userID, limit, offset)
}

// GetCommitted opens the committed unit of a run. Only committed runs have
// one.
func (s *Service) GetCommitted(ctx context.Context, userID, id uuid.UUID) (*CommittedDocument, error) {
	run, err := s.runs.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if run.State != StateCommitted {
		return nil, ErrNotCommitted
	}
	unit, at, err := s.commits.Load(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	owner := userID.String()
	ref, err := s.enc.DecryptBytes(unit.EncryptedSourceRef, []byte(owner))
	if err != nil {
		return nil, fmt.Errorf("open source reference: %w", err)
	}
	var rec CommittedRecord
	if err := hipaa.OpenJSON(s.enc, owner, unit.EncryptedData, &rec); err != nil {
		return nil, err
	}
	return &CommittedDocument{
		DocumentID:   id,
		SourceRef:    string(ref),
		Data:         rec.Data,
		Interactions: rec.Interactions,
		CommittedAt:  at,
	}, nil
}
