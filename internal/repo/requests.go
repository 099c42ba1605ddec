package repo

import (
	"context"
	"database/sql"
	"strings"

	"givelink/internal/domain"
)

const requestCols = `id,requester_id,donation_id,status,message,created_at,responded_at`

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var req domain.Request
	var message, respondedAt sql.NullString
	err := scan(&req.ID, &req.RequesterID, &req.DonationID, &req.Status, &message, &req.CreatedAt, &respondedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if message.Valid {
		req.Message = message.String
	}
	if respondedAt.Valid {
		req.RespondedAt = &respondedAt.String
	}
	return req, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO requests(requester_id,donation_id,status,message,created_at,responded_at) VALUES (?,?,?,?,?,?)`,
		req.RequesterID, req.DonationID, req.Status, nullable(req.Message), req.CreatedAt, nullableStringPtr(req.RespondedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRequest(ctx context.Context, id int64) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

type RequestFilters struct {
	DonationID  int64
	RequesterID int64
	Status      string
	Limit       int
	CursorID    int64
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.DonationID != 0 {
		clauses = append(clauses, "donation_id=?")
		args = append(args, f.DonationID)
	}
	if f.RequesterID != 0 {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorID != 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestCols + ` FROM requests ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// RespondToRequest conditionally moves a pending request to approved or
// rejected, stamping responded_at. Returns false when the request was
// not pending (or does not exist).
func (r Repo) RespondToRequest(ctx context.Context, tx *sql.Tx, id int64, status, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, responded_at=? WHERE id=? AND status=?`,
		status, ts, id, domain.RequestPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ApprovedMismatch pairs an approved request with the donation that is
// not reserved in its favor.
type ApprovedMismatch struct {
	Request  domain.Request
	Donation domain.Donation
}

// ListApprovedMismatches returns approved requests whose donation is
// not reserved for that requester. On a healthy registry the result is
// empty; entries mean a partial dual-write leaked in from outside.
func (r Repo) ListApprovedMismatches(ctx context.Context) ([]ApprovedMismatch, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT r.id, r.requester_id, r.donation_id, r.status, r.message, r.created_at, r.responded_at,
       d.id, d.category, d.description, d.condition, d.zone, d.city, d.latitude, d.longitude,
       d.donor_id, d.requester_id, d.delivery_status, d.reserved_at, d.delivered_at, d.created_at
FROM requests r
JOIN donations d ON d.id = r.donation_id
WHERE r.status = ?
  AND (d.delivery_status = ? OR d.requester_id IS NULL OR d.requester_id != r.requester_id)
ORDER BY r.id ASC`, domain.RequestApproved, domain.DonationAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ApprovedMismatch
	for rows.Next() {
		var m ApprovedMismatch
		var message, respondedAt sql.NullString
		var donorID, requesterID sql.NullInt64
		var reservedAt, deliveredAt sql.NullString
		if err := rows.Scan(
			&m.Request.ID, &m.Request.RequesterID, &m.Request.DonationID, &m.Request.Status, &message, &m.Request.CreatedAt, &respondedAt,
			&m.Donation.ID, &m.Donation.Category, &m.Donation.Description, &m.Donation.Condition, &m.Donation.Zone, &m.Donation.City,
			&m.Donation.Latitude, &m.Donation.Longitude, &donorID, &requesterID, &m.Donation.DeliveryStatus,
			&reservedAt, &deliveredAt, &m.Donation.CreatedAt,
		); err != nil {
			return nil, err
		}
		if message.Valid {
			m.Request.Message = message.String
		}
		if respondedAt.Valid {
			m.Request.RespondedAt = &respondedAt.String
		}
		if donorID.Valid {
			m.Donation.DonorID = &donorID.Int64
		}
		if requesterID.Valid {
			m.Donation.RequesterID = &requesterID.Int64
		}
		if reservedAt.Valid {
			m.Donation.ReservedAt = &reservedAt.String
		}
		if deliveredAt.Valid {
			m.Donation.DeliveredAt = &deliveredAt.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
