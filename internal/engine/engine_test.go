package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"givelink/internal/config"
	"givelink/internal/db"
	"givelink/internal/domain"
	"givelink/internal/engine"
	"givelink/internal/migrate"
	"givelink/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Donor  domain.User
	Seeker domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("givelink-test")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	donor, err := eng.CreateUser(ctx, engine.UserCreateOptions{
		Username: "ana", Password: "pw", Name: "Ana", Email: "ana@example.org", Role: domain.RoleDonor, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("seed donor: %v", err)
	}
	seeker, err := eng.CreateUser(ctx, engine.UserCreateOptions{
		Username: "luis", Password: "pw", Name: "Luis", Email: "luis@example.org", Role: domain.RoleSeeker, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("seed seeker: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Donor: donor, Seeker: seeker}
}

func (env testEnv) createDonation(t *testing.T) domain.Donation {
	t.Helper()
	d, err := env.Engine.CreateDonation(env.Ctx, engine.DonationCreateOptions{
		Category:    "Alimentos",
		Description: "Caja de conservas",
		Condition:   "Nuevo",
		Zone:        "Deusto",
		City:        "Bilbao",
		Latitude:    43.27,
		Longitude:   -2.94,
		DonorID:     &env.Donor.ID,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create donation: %v", err)
	}
	return d
}

func TestDonationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	if d.DeliveryStatus != domain.DonationAvailable {
		t.Fatalf("new donation status = %s", d.DeliveryStatus)
	}
	if d.ReservedAt != nil || d.DeliveredAt != nil {
		t.Fatalf("new donation has timestamps set")
	}

	req, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: d.ID, Message: "lo necesito", ActorID: "luis",
	})
	if err != nil {
		t.Fatalf("request donation: %v", err)
	}
	if req.Status != domain.RequestPending {
		t.Fatalf("new request status = %s", req.Status)
	}
	// pending request must not touch the donation
	d2, err := env.Engine.Repo.GetDonation(env.Ctx, d.ID)
	if err != nil || d2.DeliveryStatus != domain.DonationAvailable {
		t.Fatalf("donation changed by pending request: %v %s", err, d2.DeliveryStatus)
	}

	req, err = env.Engine.ApproveRequest(env.Ctx, req.ID, "ana")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if req.Status != domain.RequestApproved || req.RespondedAt == nil {
		t.Fatalf("approved request = %+v", req)
	}
	d2, _ = env.Engine.Repo.GetDonation(env.Ctx, d.ID)
	if d2.DeliveryStatus != domain.DonationReserved {
		t.Fatalf("donation not reserved after approval: %s", d2.DeliveryStatus)
	}
	if d2.RequesterID == nil || *d2.RequesterID != env.Seeker.ID {
		t.Fatalf("donation requester not bound: %+v", d2.RequesterID)
	}
	if d2.ReservedAt == nil {
		t.Fatalf("reserved_at not set")
	}

	d2, err = env.Engine.ConfirmDelivery(env.Ctx, d.ID, "ana")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if d2.DeliveryStatus != domain.DonationDelivered || d2.DeliveredAt == nil {
		t.Fatalf("delivered donation = %+v", d2)
	}

	// delivered is terminal
	_, err = env.Engine.ConfirmDelivery(env.Ctx, d.ID, "ana")
	var inv engine.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("second delivery: want InvalidTransitionError, got %v", err)
	}
}

func TestCreateDonationValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.DonationCreateOptions
	}{
		{"latitude out of range", engine.DonationCreateOptions{
			Category: "Alimentos", Description: "x", Condition: "Nuevo", Zone: "z", City: "Bilbao",
			Latitude: 95, Longitude: -2.94,
		}},
		{"longitude out of range", engine.DonationCreateOptions{
			Category: "Alimentos", Description: "x", Condition: "Nuevo", Zone: "z", City: "Bilbao",
			Latitude: 43.27, Longitude: 181,
		}},
		{"empty category", engine.DonationCreateOptions{
			Description: "x", Condition: "Nuevo", Zone: "z", City: "Bilbao",
			Latitude: 43.27, Longitude: -2.94,
		}},
		{"unknown catalog category", engine.DonationCreateOptions{
			Category: "Vehiculos", Description: "x", Condition: "Nuevo", Zone: "z", City: "Bilbao",
			Latitude: 43.27, Longitude: -2.94,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateDonation(env.Ctx, tc.opts)
			var v engine.ValidationError
			if !errors.As(err, &v) {
				t.Fatalf("want ValidationError, got %v", err)
			}
		})
	}
	// nothing was persisted
	list, err := env.Engine.Repo.ListDonations(env.Ctx, repo.DonationFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("donations after rejected creates: %d %v", len(list), err)
	}
}

func TestRequestAgainstUnavailableDonation(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	req, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: d.ID, ActorID: "luis",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "ana"); err != nil {
		t.Fatal(err)
	}

	// donation is now reserved; a new request must be refused
	other, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		Username: "mar", Password: "pw", Name: "Mar", Role: domain.RoleSeeker, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: other.ID, DonationID: d.ID, ActorID: "mar",
	})
	if !errors.Is(err, engine.ErrDonationUnavailable) {
		t.Fatalf("want ErrDonationUnavailable, got %v", err)
	}
	// and no row was created
	list, err := env.Engine.Repo.ListRequests(env.Ctx, repo.RequestFilters{RequesterID: other.ID})
	if err != nil || len(list) != 0 {
		t.Fatalf("requests for refused ask: %d %v", len(list), err)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	_, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: 9999, DonationID: d.ID, ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrRequesterNotFound) {
		t.Fatalf("want ErrRequesterNotFound, got %v", err)
	}
	_, err = env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: 9999, ActorID: "luis",
	})
	if !errors.Is(err, engine.ErrDonationNotFound) {
		t.Fatalf("want ErrDonationNotFound, got %v", err)
	}
}

func TestRequestRespondsOnce(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	req, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: d.ID, ActorID: "luis",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "ana"); err != nil {
		t.Fatal(err)
	}
	var inv engine.InvalidTransitionError
	if _, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "ana"); !errors.As(err, &inv) {
		t.Fatalf("second approve: want InvalidTransitionError, got %v", err)
	}
	if _, err := env.Engine.RejectRequest(env.Ctx, req.ID, "ana"); !errors.As(err, &inv) {
		t.Fatalf("reject after approve: want InvalidTransitionError, got %v", err)
	}
}

func TestRejectLeavesDonationUntouched(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	req, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: d.ID, ActorID: "luis",
	})
	if err != nil {
		t.Fatal(err)
	}
	req, err = env.Engine.RejectRequest(env.Ctx, req.ID, "ana")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.RequestRejected || req.RespondedAt == nil {
		t.Fatalf("rejected request = %+v", req)
	}
	d2, _ := env.Engine.Repo.GetDonation(env.Ctx, d.ID)
	if d2.DeliveryStatus != domain.DonationAvailable || d2.RequesterID != nil {
		t.Fatalf("donation touched by reject: %+v", d2)
	}
}

func TestCompetingApprovalsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	other, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		Username: "mar", Password: "pw", Name: "Mar", Role: domain.RoleSeeker, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: d.ID, ActorID: "luis",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: other.ID, DonationID: d.ID, ActorID: "mar",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.ApproveRequest(env.Ctx, first.ID, "ana"); err != nil {
		t.Fatal(err)
	}
	var conflict engine.ConflictError
	if _, err := env.Engine.ApproveRequest(env.Ctx, second.ID, "ana"); !errors.As(err, &conflict) {
		t.Fatalf("losing approval: want ConflictError, got %v", err)
	}
	// the losing approval rolled back entirely: the request is still pending
	got, err := env.Engine.Repo.GetRequest(env.Ctx, second.ID)
	if err != nil || got.Status != domain.RequestPending {
		t.Fatalf("losing request = %+v %v", got, err)
	}
	// and the donation is reserved for the winner
	d2, _ := env.Engine.Repo.GetDonation(env.Ctx, d.ID)
	if d2.RequesterID == nil || *d2.RequesterID != env.Seeker.ID {
		t.Fatalf("donation requester = %+v", d2.RequesterID)
	}
}

func TestDirectReserveRequiresRequester(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	_, err := env.Engine.TransitionDonation(env.Ctx, d.ID, domain.DonationReserved, nil, "ana")
	var v engine.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("reserve without requester: want ValidationError, got %v", err)
	}
	// skipping reserved is not allowed
	_, err = env.Engine.TransitionDonation(env.Ctx, d.ID, domain.DonationDelivered, nil, "ana")
	var inv engine.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("available to delivered: want InvalidTransitionError, got %v", err)
	}
}

func TestReconcileFlagsOrphanedApprovals(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	req, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: d.ID, ActorID: "luis",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "ana"); err != nil {
		t.Fatal(err)
	}

	// a healthy registry reports nothing
	findings, err := env.Engine.Reconcile(env.Ctx, "auditor")
	if err != nil || len(findings) != 0 {
		t.Fatalf("healthy reconcile: %d %v", len(findings), err)
	}

	// simulate a partial dual-write left behind by an external writer
	if _, err := env.Engine.DB.Exec(`UPDATE donations SET delivery_status='available', requester_id=NULL, reserved_at=NULL WHERE id=?`, d.ID); err != nil {
		t.Fatal(err)
	}
	findings, err = env.Engine.Reconcile(env.Ctx, "auditor")
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].Request.ID != req.ID {
		t.Fatalf("findings = %+v", findings)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "conflict.detected", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("conflict events: %d %v", len(evts), err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDonation(t)
	req, err := env.Engine.RequestDonation(env.Ctx, engine.RequestCreateOptions{
		RequesterID: env.Seeker.ID, DonationID: d.ID, ActorID: "luis",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "ana"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmDelivery(env.Ctx, d.ID, "ana"); err != nil {
		t.Fatal(err)
	}
	for _, evtType := range []string{
		"donation.created", "request.created", "request.approved",
		"donation.reserved", "donation.delivered",
	} {
		evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, evtType, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(evts) != 1 {
			t.Fatalf("%s events = %d", evtType, len(evts))
		}
	}
}

func TestCreateUserAndCredentials(t *testing.T) {
	env := newTestEnv(t)
	var v engine.ValidationError
	if _, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		Username: "ana", Password: "pw", Name: "Dup", ActorID: "tester",
	}); !errors.As(err, &v) {
		t.Fatalf("duplicate username: want ValidationError, got %v", err)
	}
	if _, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		Username: "eve", Password: "pw", Name: "Eve", Role: "admin", ActorID: "tester",
	}); !errors.As(err, &v) {
		t.Fatalf("bad role: want ValidationError, got %v", err)
	}
	u, err := env.Engine.VerifyCredentials(env.Ctx, "ana", "pw")
	if err != nil || u.ID != env.Donor.ID {
		t.Fatalf("verify: %+v %v", u, err)
	}
	if _, err := env.Engine.VerifyCredentials(env.Ctx, "ana", "wrong"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("bad password: want ErrNotFound, got %v", err)
	}
}
