package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"givelink/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const donationCols = `id,category,description,condition,zone,city,latitude,longitude,donor_id,requester_id,delivery_status,reserved_at,delivered_at,created_at`

func scanDonation(scan func(dest ...any) error) (domain.Donation, error) {
	var d domain.Donation
	var donorID, requesterID sql.NullInt64
	var reservedAt, deliveredAt sql.NullString
	err := scan(&d.ID, &d.Category, &d.Description, &d.Condition, &d.Zone, &d.City,
		&d.Latitude, &d.Longitude, &donorID, &requesterID, &d.DeliveryStatus,
		&reservedAt, &deliveredAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if donorID.Valid {
		d.DonorID = &donorID.Int64
	}
	if requesterID.Valid {
		d.RequesterID = &requesterID.Int64
	}
	if reservedAt.Valid {
		d.ReservedAt = &reservedAt.String
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.String
	}
	return d, nil
}

func (r Repo) InsertDonation(ctx context.Context, tx *sql.Tx, d domain.Donation) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO donations(category,description,condition,zone,city,latitude,longitude,donor_id,requester_id,delivery_status,reserved_at,delivered_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.Category, d.Description, d.Condition, d.Zone, d.City, d.Latitude, d.Longitude,
		nullableInt64Ptr(d.DonorID), nullableInt64Ptr(d.RequesterID), d.DeliveryStatus,
		nullableStringPtr(d.ReservedAt), nullableStringPtr(d.DeliveredAt), d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDonation(ctx context.Context, id int64) (domain.Donation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+donationCols+` FROM donations WHERE id=?`, id)
	return scanDonation(row.Scan)
}

func (r Repo) GetDonationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Donation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+donationCols+` FROM donations WHERE id=?`, id)
	return scanDonation(row.Scan)
}

type DonationFilters struct {
	Status      string
	DonorID     int64
	RequesterID int64
	Limit       int
	CursorID    int64
}

// ListDonations ANDs every filter that is set; newest first. Callers
// normally pass at most one of Status/DonorID/RequesterID.
func (r Repo) ListDonations(ctx context.Context, f DonationFilters) ([]domain.Donation, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "delivery_status=?")
		args = append(args, f.Status)
	}
	if f.DonorID != 0 {
		clauses = append(clauses, "donor_id=?")
		args = append(args, f.DonorID)
	}
	if f.RequesterID != 0 {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.CursorID != 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + donationCols + ` FROM donations ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Donation
	for rows.Next() {
		d, err := scanDonation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ReserveDonation conditionally moves an available donation to
// reserved, binding the requester. Returns false when the row was not
// in the expected state (or does not exist) — the caller distinguishes.
func (r Repo) ReserveDonation(ctx context.Context, tx *sql.Tx, id, requesterID int64, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE donations SET delivery_status=?, requester_id=?, reserved_at=? WHERE id=? AND delivery_status=?`,
		domain.DonationReserved, requesterID, ts, id, domain.DonationAvailable)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkDonationDelivered conditionally moves a reserved donation to
// delivered.
func (r Repo) MarkDonationDelivered(ctx context.Context, tx *sql.Tx, id int64, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE donations SET delivery_status=?, delivered_at=? WHERE id=? AND delivery_status=?`,
		domain.DonationDelivered, ts, id, domain.DonationReserved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
