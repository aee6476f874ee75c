package status

import (
	"context"

	"contractflow/contract"
)

// Reader loads committed contracts.
type Reader interface {
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	FindContractByPhase(ctx context.Context, phaseID string) (contract.Contract, error)
}

type Service struct {
	reader Reader
}

func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

func (s *Service) GetContractStatus(ctx context.Context, contractID string) (ApplicationActionStatus, error) {
	c, err := s.reader.GetContract(ctx, contractID)
	if err != nil {
		return ApplicationActionStatus{}, err
	}
	return ContractStatus(c), nil
}

func (s *Service) GetPhaseStatus(ctx context.Context, phaseID string) (PhaseActionStatus, error) {
	c, err := s.reader.FindContractByPhase(ctx, phaseID)
	if err != nil {
		return PhaseActionStatus{}, err
	}
	ph, err := c.Phase(phaseID)
	if err != nil {
		return PhaseActionStatus{}, err
	}
	return PhaseStatus(*ph, c.Currency), nil
}
