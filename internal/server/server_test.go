package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"givelink/internal/config"
	"givelink/internal/db"
	"givelink/internal/domain"
	"givelink/internal/engine"
	"givelink/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Donor  domain.User
	Seeker domain.User
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("givelink")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AllowLegacyActorHeader = true
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	donor, err := e.CreateUser(ctx, engine.UserCreateOptions{
		Username: "ana", Password: "pw", Name: "Ana", Role: domain.RoleDonor, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("seed donor: %v", err)
	}
	seeker, err := e.CreateUser(ctx, engine.UserCreateOptions{
		Username: "luis", Password: "pw", Name: "Luis", Role: domain.RoleSeeker, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("seed seeker: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              cfg.Auth.JWTSecret,
			AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Donor:  donor,
		Seeker: seeker,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func donationBody(donorID int64) map[string]any {
	return map[string]any{
		"category":    "Alimentos",
		"description": "Caja de conservas",
		"condition":   "Nuevo",
		"zone":        "Deusto",
		"city":        "Bilbao",
		"latitude":    43.27,
		"longitude":   -2.94,
		"donor_id":    donorID,
	}
}

func TestDonationRequestApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/donations", donationBody(srv.Donor.ID), actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create donation status %d: %s", res.StatusCode, string(data))
	}
	var donation DonationResponse
	if err := json.Unmarshal(data, &donation); err != nil {
		t.Fatalf("unmarshal donation: %v", err)
	}
	if donation.DeliveryStatus != "available" {
		t.Fatalf("new donation status %q", donation.DeliveryStatus)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"requester_id": srv.Seeker.ID,
		"donation_id":  donation.ID,
		"message":      "lo necesito",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, string(data))
	}
	var request RequestResponse
	if err := json.Unmarshal(data, &request); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/requests/"+itoa(request.ID)+"/status", map[string]any{
		"status": "approved",
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/donations/"+itoa(donation.ID), nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get donation status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &donation); err != nil {
		t.Fatal(err)
	}
	if donation.DeliveryStatus != "reserved" || donation.RequesterID == nil || *donation.RequesterID != srv.Seeker.ID {
		t.Fatalf("donation after approval: %+v", donation)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/donations/"+itoa(donation.ID)+"/status", map[string]any{
		"status": "delivered",
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliver status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &donation); err != nil {
		t.Fatal(err)
	}
	if donation.DeliveryStatus != "delivered" || donation.DeliveredAt == nil {
		t.Fatalf("donation after delivery: %+v", donation)
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := donationBody(srv.Donor.ID)
	body["latitude"] = 95.0
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/donations", body, actorHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "validation_error" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "latitude" {
		t.Fatalf("error details %+v", envelope.Error.Details)
	}
}

func TestLosingApprovalConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/donations", donationBody(srv.Donor.ID), actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create donation: %d %s", res.StatusCode, string(data))
	}
	var donation DonationResponse
	if err := json.Unmarshal(data, &donation); err != nil {
		t.Fatal(err)
	}

	other, err := srv.Engine.CreateUser(context.Background(), engine.UserCreateOptions{
		Username: "mar", Password: "pw", Name: "Mar", Role: domain.RoleSeeker, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	var reqs [2]RequestResponse
	for i, requester := range []int64{srv.Seeker.ID, other.ID} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
			"requester_id": requester,
			"donation_id":  donation.ID,
		}, actorHeaders)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create request %d: %d %s", i, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &reqs[i]); err != nil {
			t.Fatal(err)
		}
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/requests/"+itoa(reqs[0].ID)+"/status", map[string]any{"status": "approved"}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first approve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/requests/"+itoa(reqs[1].ID)+"/status", map[string]any{"status": "approved"}, actorHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second approve: %d %s", res.StatusCode, string(data))
	}
	// the losing request is still pending
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/"+itoa(reqs[1].ID), nil, actorHeaders)
	var got RequestResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "pending" {
		t.Fatalf("losing request status %q", got.Status)
	}
}

func TestDonationFilterPrecedence(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/donations", donationBody(srv.Donor.ID), actorHeaders)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create donation: %d %s", res.StatusCode, string(data))
		}
	}
	// status beats donor when both are supplied
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/donations?status=reserved&donor_id="+itoa(srv.Donor.ID), nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var page paginatedDonations
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("status filter ignored, got %d items", len(page.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/donations?donor_id="+itoa(srv.Donor.ID), nil, actorHeaders)
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("donor filter, got %d items", len(page.Items))
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// no credentials
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/donations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d", res.StatusCode)
	}

	// dev login then bearer token
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"username": "ana",
		"password": "pw",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/donations", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer list: %d %s", res.StatusCode, string(data))
	}

	// wrong password
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"username": "ana",
		"password": "nope",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("bad login: %d", res.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/donations", donationBody(srv.Donor.ID), actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create donation: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=donation.created", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].EntityKind != "donation" {
		t.Fatalf("events page: %+v", page)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
