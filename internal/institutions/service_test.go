package institutions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryInstitutionRepo struct {
	institutions map[int64]*Institution
	nextID       int64
}

func newMemoryInstitutionRepo() *memoryInstitutionRepo {
	return &memoryInstitutionRepo{institutions: make(map[int64]*Institution)}
}

func (r *memoryInstitutionRepo) List(ctx context.Context, filters ListFilters) ([]Institution, int, error) {
	var out []Institution
	for _, inst := range r.institutions {
		if filters.Kind != "" && inst.Kind != filters.Kind {
			continue
		}
		if filters.Active != nil && inst.Active != *filters.Active {
			continue
		}
		out = append(out, *inst)
	}
	return out, len(out), nil
}

func (r *memoryInstitutionRepo) Get(ctx context.Context, id int64) (Institution, error) {
	inst, ok := r.institutions[id]
	if !ok {
		return Institution{}, ErrNotFound
	}
	return *inst, nil
}

func (r *memoryInstitutionRepo) Create(ctx context.Context, inst Institution) (Institution, error) {
	for _, existing := range r.institutions {
		if existing.Code == inst.Code {
			return Institution{}, ErrDuplicateCode
		}
	}
	r.nextID++
	inst.ID = r.nextID
	r.institutions[inst.ID] = &inst
	return inst, nil
}

func (r *memoryInstitutionRepo) Update(ctx context.Context, id int64, inst Institution) error {
	existing, ok := r.institutions[id]
	if !ok {
		return ErrNotFound
	}
	inst.ID = id
	inst.Active = existing.Active
	r.institutions[id] = &inst
	return nil
}

func (r *memoryInstitutionRepo) SetActive(ctx context.Context, id int64, active bool) error {
	inst, ok := r.institutions[id]
	if !ok {
		return ErrNotFound
	}
	inst.Active = active
	return nil
}

func (r *memoryInstitutionRepo) Exists(ctx context.Context, id int64) (bool, error) {
	inst, ok := r.institutions[id]
	return ok && inst.Active, nil
}

func TestCreateInstitution(t *testing.T) {
	svc := NewService(newMemoryInstitutionRepo())

	inst, err := svc.Create(context.Background(), Institution{
		Code: "STM01",
		Name: "St. Mary Hospital",
		Kind: KindHospital,
	})
	require.NoError(t, err)
	require.NotZero(t, inst.ID)
	require.True(t, inst.Active)
}

func TestCreateInstitutionValidation(t *testing.T) {
	svc := NewService(newMemoryInstitutionRepo())

	_, err := svc.Create(context.Background(), Institution{Name: "No code", Kind: KindClinic})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(context.Background(), Institution{Code: "X1", Name: "Bad kind", Kind: "spa"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateInstitutionDuplicateCode(t *testing.T) {
	svc := NewService(newMemoryInstitutionRepo())

	_, err := svc.Create(context.Background(), Institution{Code: "STM01", Name: "First", Kind: KindClinic})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), Institution{Code: "STM01", Name: "Second", Kind: KindClinic})
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestDeactivateHidesFromExists(t *testing.T) {
	repo := newMemoryInstitutionRepo()
	svc := NewService(repo)

	inst, err := svc.Create(context.Background(), Institution{Code: "STM01", Name: "St. Mary", Kind: KindHospital})
	require.NoError(t, err)

	ok, err := svc.Exists(context.Background(), inst.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.Deactivate(context.Background(), inst.ID))

	ok, err = svc.Exists(context.Background(), inst.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExistsInvalidID(t *testing.T) {
	svc := NewService(newMemoryInstitutionRepo())

	ok, err := svc.Exists(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, ok)
}
