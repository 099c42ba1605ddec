package repo

import (
	"context"
	"database/sql"

	"givelink/internal/domain"
)

const userCols = `id,username,name,email,COALESCE(phone,''),role,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	err := scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.Phone, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User, passwordHash string) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO users(username,password_hash,name,email,phone,role,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.Username, passwordHash, u.Name, u.Email, nullable(u.Phone), u.Role, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id int64) (domain.User, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username=?`, username)
	return scanUser(row.Scan)
}

// GetUserCredentials returns the stored password hash for a username.
func (r Repo) GetUserCredentials(ctx context.Context, username string) (domain.User, string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,username,name,email,COALESCE(phone,''),role,created_at,password_hash FROM users WHERE username=?`, username)
	var u domain.User
	var hash string
	err := row.Scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.Phone, &u.Role, &u.CreatedAt, &hash)
	if err == sql.ErrNoRows {
		return u, "", ErrNotFound
	}
	if err != nil {
		return u, "", err
	}
	return u, hash, nil
}

// ListUsers returns users, optionally filtered by role.
func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	query := `SELECT ` + userCols + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
