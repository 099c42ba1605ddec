package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"givelink/internal/config"
	"givelink/internal/domain"
	"givelink/internal/events"
	"givelink/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// HashPassword returns a stable SHA-256 hex digest. Dev-grade identity,
// not account security.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// UserCreateOptions are parameters for registering a user.
type UserCreateOptions struct {
	Username string
	Password string
	Name     string
	Email    string
	Phone    string
	Role     string
	ActorID  string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if strings.TrimSpace(opts.Username) == "" {
		return domain.User{}, ValidationError{Field: "username", Reason: "is required"}
	}
	if opts.Password == "" {
		return domain.User{}, ValidationError{Field: "password", Reason: "is required"}
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.User{}, ValidationError{Field: "name", Reason: "is required"}
	}
	if opts.Role == "" {
		opts.Role = domain.RoleDonor
	}
	if opts.Role != domain.RoleDonor && opts.Role != domain.RoleSeeker {
		return domain.User{}, ValidationError{Field: "role", Reason: fmt.Sprintf("must be %s or %s", domain.RoleDonor, domain.RoleSeeker)}
	}
	if _, err := e.Repo.GetUserByUsername(ctx, opts.Username); err == nil {
		return domain.User{}, ValidationError{Field: "username", Reason: "already taken"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}

	u := domain.User{
		Username:  opts.Username,
		Name:      opts.Name,
		Email:     opts.Email,
		Phone:     opts.Phone,
		Role:      opts.Role,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertUser(ctx, tx, u, HashPassword(opts.Password))
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	u.ID = id
	if err := e.Events.Append(ctx, tx, "user.created", "user", fmt.Sprint(id), opts.ActorID, events.EventPayload{
		"username": u.Username,
		"role":     u.Role,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// VerifyCredentials checks a username/password pair against the stored
// digest.
func (e Engine) VerifyCredentials(ctx context.Context, username, password string) (domain.User, error) {
	u, hash, err := e.Repo.GetUserCredentials(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	if hash != HashPassword(password) {
		return domain.User{}, repo.ErrNotFound
	}
	return u, nil
}

// DonationCreateOptions are parameters for listing a donation.
type DonationCreateOptions struct {
	Category    string
	Description string
	Condition   string
	Zone        string
	City        string
	Latitude    float64
	Longitude   float64
	DonorID     *int64
	ActorID     string
}

func (e Engine) CreateDonation(ctx context.Context, opts DonationCreateOptions) (domain.Donation, error) {
	for field, v := range map[string]string{
		"category":    opts.Category,
		"description": opts.Description,
		"condition":   opts.Condition,
		"zone":        opts.Zone,
		"city":        opts.City,
	} {
		if strings.TrimSpace(v) == "" {
			return domain.Donation{}, ValidationError{Field: field, Reason: "is required"}
		}
	}
	if opts.Latitude < -90 || opts.Latitude > 90 {
		return domain.Donation{}, ValidationError{Field: "latitude", Reason: "must be between -90 and 90"}
	}
	if opts.Longitude < -180 || opts.Longitude > 180 {
		return domain.Donation{}, ValidationError{Field: "longitude", Reason: "must be between -180 and 180"}
	}
	if e.Config != nil && len(e.Config.Catalog.Categories) > 0 {
		if _, ok := e.Config.Catalog.Categories[opts.Category]; !ok {
			return domain.Donation{}, ValidationError{Field: "category", Reason: fmt.Sprintf("%q not in catalog", opts.Category)}
		}
	}
	if e.Config != nil && len(e.Config.Catalog.Conditions) > 0 {
		if _, ok := e.Config.Catalog.Conditions[opts.Condition]; !ok {
			return domain.Donation{}, ValidationError{Field: "condition", Reason: fmt.Sprintf("%q not in catalog", opts.Condition)}
		}
	}
	if opts.DonorID != nil {
		if _, err := e.Repo.GetUser(ctx, *opts.DonorID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Donation{}, ValidationError{Field: "donor_id", Reason: "no such user"}
			}
			return domain.Donation{}, err
		}
	}

	d := domain.Donation{
		Category:       opts.Category,
		Description:    opts.Description,
		Condition:      opts.Condition,
		Zone:           opts.Zone,
		City:           opts.City,
		Latitude:       opts.Latitude,
		Longitude:      opts.Longitude,
		DonorID:        opts.DonorID,
		DeliveryStatus: domain.DonationAvailable,
		CreatedAt:      e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Donation{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertDonation(ctx, tx, d)
	if err != nil {
		return domain.Donation{}, fmt.Errorf("insert donation: %w", err)
	}
	d.ID = id
	if err := e.Events.Append(ctx, tx, "donation.created", "donation", fmt.Sprint(id), opts.ActorID, events.EventPayload{
		"category": d.Category,
		"city":     d.City,
		"status":   d.DeliveryStatus,
	}); err != nil {
		return domain.Donation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Donation{}, err
	}
	return d, nil
}

func ensureDonationTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.DonationAvailable:
		if newStatus == domain.DonationReserved {
			return nil
		}
	case domain.DonationReserved:
		if newStatus == domain.DonationDelivered {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "donation", From: oldStatus, To: newStatus}
}

// TransitionDonation moves a donation one step along
// available -> reserved -> delivered. Reserving requires a requester.
// The underlying update is conditional on the expected current status,
// so of two concurrent attempts exactly one wins; the loser gets a
// ConflictError.
func (e Engine) TransitionDonation(ctx context.Context, id int64, newStatus string, requesterID *int64, actorID string) (domain.Donation, error) {
	d, err := e.Repo.GetDonation(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Donation{}, ErrDonationNotFound
		}
		return domain.Donation{}, err
	}
	if err := ensureDonationTransition(d.DeliveryStatus, newStatus); err != nil {
		return d, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	ts := e.nowStr()
	switch newStatus {
	case domain.DonationReserved:
		if requesterID == nil {
			return d, ValidationError{Field: "requester_id", Reason: "required to reserve"}
		}
		if _, err := e.Repo.GetUser(ctx, *requesterID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return d, ErrRequesterNotFound
			}
			return d, err
		}
		ok, err := e.Repo.ReserveDonation(ctx, tx, id, *requesterID, ts)
		if err != nil {
			return d, err
		}
		if !ok {
			return d, ConflictError{Reason: fmt.Sprintf("donation %d is no longer available", id)}
		}
		d.DeliveryStatus = domain.DonationReserved
		d.RequesterID = requesterID
		d.ReservedAt = &ts
		if err := e.Events.Append(ctx, tx, "donation.reserved", "donation", fmt.Sprint(id), actorID, events.EventPayload{
			"requester_id": *requesterID,
		}); err != nil {
			return d, err
		}
	case domain.DonationDelivered:
		ok, err := e.Repo.MarkDonationDelivered(ctx, tx, id, ts)
		if err != nil {
			return d, err
		}
		if !ok {
			return d, ConflictError{Reason: fmt.Sprintf("donation %d is no longer reserved", id)}
		}
		d.DeliveryStatus = domain.DonationDelivered
		d.DeliveredAt = &ts
		if err := e.Events.Append(ctx, tx, "donation.delivered", "donation", fmt.Sprint(id), actorID, nil); err != nil {
			return d, err
		}
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// ConfirmDelivery marks a reserved donation as handed over.
func (e Engine) ConfirmDelivery(ctx context.Context, donationID int64, actorID string) (domain.Donation, error) {
	return e.TransitionDonation(ctx, donationID, domain.DonationDelivered, nil, actorID)
}

// RequestCreateOptions are parameters for asking to receive a donation.
type RequestCreateOptions struct {
	RequesterID int64
	DonationID  int64
	Message     string
	ActorID     string
}

// RequestDonation records a pending request. The donation must exist
// and be available; a rejected precondition creates no request row.
func (e Engine) RequestDonation(ctx context.Context, opts RequestCreateOptions) (domain.Request, error) {
	if _, err := e.Repo.GetUser(ctx, opts.RequesterID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Request{}, ErrRequesterNotFound
		}
		return domain.Request{}, err
	}
	d, err := e.Repo.GetDonation(ctx, opts.DonationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Request{}, ErrDonationNotFound
		}
		return domain.Request{}, err
	}
	if d.DeliveryStatus != domain.DonationAvailable {
		return domain.Request{}, ErrDonationUnavailable
	}

	req := domain.Request{
		RequesterID: opts.RequesterID,
		DonationID:  opts.DonationID,
		Status:      domain.RequestPending,
		Message:     opts.Message,
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertRequest(ctx, tx, req)
	if err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	req.ID = id
	if err := e.Events.Append(ctx, tx, "request.created", "request", fmt.Sprint(id), opts.ActorID, events.EventPayload{
		"donation_id":  opts.DonationID,
		"requester_id": opts.RequesterID,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// ApproveRequest moves a pending request to approved and reserves its
// donation for the requester in the same transaction. If the donation
// is no longer available the whole transaction rolls back and a
// ConflictError is returned, so an approved request always has its
// donation reserved.
func (e Engine) ApproveRequest(ctx context.Context, id int64, actorID string) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Status != domain.RequestPending {
		return req, InvalidTransitionError{Entity: "request", From: req.Status, To: domain.RequestApproved}
	}
	ts := e.nowStr()
	ok, err := e.Repo.RespondToRequest(ctx, tx, id, domain.RequestApproved, ts)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, ConflictError{Reason: fmt.Sprintf("request %d is no longer pending", id)}
	}
	ok, err = e.Repo.ReserveDonation(ctx, tx, req.DonationID, req.RequesterID, ts)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, ConflictError{Reason: fmt.Sprintf("donation %d is no longer available", req.DonationID)}
	}
	if err := e.Events.Append(ctx, tx, "request.approved", "request", fmt.Sprint(id), actorID, events.EventPayload{
		"donation_id": req.DonationID,
	}); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "donation.reserved", "donation", fmt.Sprint(req.DonationID), actorID, events.EventPayload{
		"requester_id": req.RequesterID,
		"request_id":   id,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	req.Status = domain.RequestApproved
	req.RespondedAt = &ts
	return req, nil
}

// RejectRequest moves a pending request to rejected. The donation is
// untouched.
func (e Engine) RejectRequest(ctx context.Context, id int64, actorID string) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Status != domain.RequestPending {
		return req, InvalidTransitionError{Entity: "request", From: req.Status, To: domain.RequestRejected}
	}
	ts := e.nowStr()
	ok, err := e.Repo.RespondToRequest(ctx, tx, id, domain.RequestRejected, ts)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, ConflictError{Reason: fmt.Sprintf("request %d is no longer pending", id)}
	}
	if err := e.Events.Append(ctx, tx, "request.rejected", "request", fmt.Sprint(id), actorID, events.EventPayload{
		"donation_id": req.DonationID,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	req.Status = domain.RequestRejected
	req.RespondedAt = &ts
	return req, nil
}

// Reconcile scans for approved requests whose donation is not reserved
// in their favor and appends a conflict.detected event per finding.
// Nothing is repaired automatically; the report is the output.
func (e Engine) Reconcile(ctx context.Context, actorID string) ([]repo.ApprovedMismatch, error) {
	mismatches, err := e.Repo.ListApprovedMismatches(ctx)
	if err != nil {
		return nil, err
	}
	if len(mismatches) == 0 {
		return nil, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, m := range mismatches {
		if err := e.Events.Append(ctx, tx, "conflict.detected", "request", fmt.Sprint(m.Request.ID), actorID, events.EventPayload{
			"donation_id":     m.Donation.ID,
			"donation_status": m.Donation.DeliveryStatus,
			"requester_id":    m.Request.RequesterID,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mismatches, nil
}
