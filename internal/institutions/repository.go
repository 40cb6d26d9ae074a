package institutions

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides institution persistence.
type Repository interface {
	List(ctx context.Context, filters ListFilters) ([]Institution, int, error)
	Get(ctx context.Context, id int64) (Institution, error)
	Create(ctx context.Context, inst Institution) (Institution, error)
	Update(ctx context.Context, id int64, inst Institution) error
	SetActive(ctx context.Context, id int64, active bool) error
	Exists(ctx context.Context, id int64) (bool, error)
}

type repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const institutionColumns = `id, code, name, kind, address, contact_email, contact_phone, tax_id, active, created_at, updated_at`

func (r *repository) List(ctx context.Context, filters ListFilters) ([]Institution, int, error) {
	query := `SELECT ` + institutionColumns + ` FROM institutions WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM institutions WHERE 1=1`
	args := []any{}
	argCount := 0

	clause := func(cond string, value any) {
		argCount++
		suffix := ` AND ` + cond + ` $` + strconv.Itoa(argCount)
		query += suffix
		countQuery += suffix
		args = append(args, value)
	}

	if filters.Search != "" {
		argCount++
		n := strconv.Itoa(argCount)
		suffix := ` AND (name ILIKE $` + n + ` OR code ILIKE $` + n + `)`
		query += suffix
		countQuery += suffix
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.Kind != "" {
		clause("kind =", filters.Kind)
	}
	if filters.Active != nil {
		clause("active =", *filters.Active)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += " ORDER BY " + sortOrder(filters.SortBy, filters.SortDir)

	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)

		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Institution
	for rows.Next() {
		var inst Institution
		if err := rows.Scan(
			&inst.ID, &inst.Code, &inst.Name, &inst.Kind, &inst.Address,
			&inst.ContactEmail, &inst.ContactPhone, &inst.TaxID, &inst.Active,
			&inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, inst)
	}
	return out, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Institution, error) {
	var inst Institution
	err := r.pool.QueryRow(ctx,
		`SELECT `+institutionColumns+` FROM institutions WHERE id = $1`, id,
	).Scan(
		&inst.ID, &inst.Code, &inst.Name, &inst.Kind, &inst.Address,
		&inst.ContactEmail, &inst.ContactPhone, &inst.TaxID, &inst.Active,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Institution{}, ErrNotFound
	}
	return inst, err
}

func (r *repository) Create(ctx context.Context, inst Institution) (Institution, error) {
	now := time.Now()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO institutions (code, name, kind, address, contact_email, contact_phone, tax_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		inst.Code, inst.Name, inst.Kind, inst.Address,
		inst.ContactEmail, inst.ContactPhone, inst.TaxID, inst.Active, now, now,
	).Scan(&inst.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Institution{}, ErrDuplicateCode
		}
		return Institution{}, err
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return inst, nil
}

func (r *repository) Update(ctx context.Context, id int64, inst Institution) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE institutions SET
			code = $2, name = $3, kind = $4, address = $5,
			contact_email = $6, contact_phone = $7, tax_id = $8, updated_at = $9
		WHERE id = $1`,
		id, inst.Code, inst.Name, inst.Kind, inst.Address,
		inst.ContactEmail, inst.ContactPhone, inst.TaxID, time.Now(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCode
		}
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) SetActive(ctx context.Context, id int64, active bool) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE institutions SET active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now(),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM institutions WHERE id = $1 AND active)`, id,
	).Scan(&exists)
	return exists, err
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == "desc" {
		dir = "DESC"
	}
	switch sortBy {
	case "code":
		return "code " + dir
	case "kind":
		return "kind " + dir
	case "created_at":
		return "created_at " + dir
	default:
		return "name " + dir
	}
}
