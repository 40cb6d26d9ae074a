package institutions

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the institutions domain.
var (
	ErrNotFound      = errors.New("institutions: not found")
	ErrValidation    = errors.New("institutions: validation failed")
	ErrDuplicateCode = errors.New("institutions: duplicate code")
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Institution, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Institution, error) {
	if id <= 0 {
		return Institution{}, fmt.Errorf("%w: invalid institution ID", ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, inst Institution) (Institution, error) {
	if err := s.validate(inst); err != nil {
		return Institution{}, err
	}
	inst.Active = true
	return s.repo.Create(ctx, inst)
}

func (s *Service) Update(ctx context.Context, id int64, inst Institution) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid institution ID", ErrValidation)
	}
	if err := s.validate(inst); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, inst)
}

// Deactivate retires an institution from billing. Existing invoices stay
// untouched; new invoices can no longer reference it.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid institution ID", ErrValidation)
	}
	return s.repo.SetActive(ctx, id, false)
}

func (s *Service) Reactivate(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid institution ID", ErrValidation)
	}
	return s.repo.SetActive(ctx, id, true)
}

// Exists reports whether an active institution with the ID is on file.
func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	return s.repo.Exists(ctx, id)
}

func (s *Service) validate(inst Institution) error {
	if strings.TrimSpace(inst.Code) == "" {
		return fmt.Errorf("%w: institution code is required", ErrValidation)
	}
	if strings.TrimSpace(inst.Name) == "" {
		return fmt.Errorf("%w: institution name is required", ErrValidation)
	}
	switch inst.Kind {
	case KindHospital, KindClinic, KindLaboratory, KindPractice:
	default:
		return fmt.Errorf("%w: unknown institution kind %q", ErrValidation, inst.Kind)
	}
	return nil
}
