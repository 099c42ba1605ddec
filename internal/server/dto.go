package server

import (
	"encoding/json"

	"givelink/internal/domain"
)

// Request payloads

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role,omitempty" enum:"donor,seeker"`
}

type CreateDonationRequest struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Condition   string  `json:"condition"`
	Zone        string  `json:"zone"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	DonorID     *int64  `json:"donor_id,omitempty"`
}

type SetDonationStatusRequest struct {
	Status      string `json:"status" enum:"reserved,delivered"`
	RequesterID *int64 `json:"requester_id,omitempty"`
}

type CreateRequestRequest struct {
	RequesterID int64  `json:"requester_id"`
	DonationID  int64  `json:"donation_id"`
	Message     string `json:"message,omitempty"`
}

type SetRequestStatusRequest struct {
	Status string `json:"status" enum:"approved,rejected"`
}

type DevLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Response payloads

type UserResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type DonationResponse struct {
	ID             int64   `json:"id"`
	Category       string  `json:"category"`
	Description    string  `json:"description"`
	Condition      string  `json:"condition"`
	Zone           string  `json:"zone"`
	City           string  `json:"city"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	DonorID        *int64  `json:"donor_id,omitempty"`
	RequesterID    *int64  `json:"requester_id,omitempty"`
	DeliveryStatus string  `json:"delivery_status"`
	ReservedAt     *string `json:"reserved_at,omitempty"`
	DeliveredAt    *string `json:"delivered_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type RequestResponse struct {
	ID          int64   `json:"id"`
	RequesterID int64   `json:"requester_id"`
	DonationID  int64   `json:"donation_id"`
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
	CreatedAt   string  `json:"created_at"`
	RespondedAt *string `json:"responded_at,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ReconciliationFinding struct {
	Request  RequestResponse  `json:"request"`
	Donation DonationResponse `json:"donation"`
}

type ReconciliationResponse struct {
	Findings []ReconciliationFinding `json:"findings"`
	Healthy  bool                    `json:"healthy"`
}

type DevLoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type paginatedDonations struct {
	Items      []DonationResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func userResponse(u domain.User) UserResponse {
	return UserResponse(u)
}

func donationResponse(d domain.Donation) DonationResponse {
	return DonationResponse(d)
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse(r)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapDonations(items []domain.Donation) []DonationResponse {
	res := make([]DonationResponse, 0, len(items))
	for _, d := range items {
		res = append(res, donationResponse(d))
	}
	return res
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
