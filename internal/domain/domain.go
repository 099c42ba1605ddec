package domain

// Donation delivery statuses.
const (
	DonationAvailable = "available"
	DonationReserved  = "reserved"
	DonationDelivered = "delivered"
)

// Request statuses.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// User roles.
const (
	RoleDonor  = "donor"
	RoleSeeker = "seeker"
)

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role" enum:"donor,seeker"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Donation struct {
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
	DeliveryStatus string  `json:"delivery_status" enum:"available,reserved,delivered"`
	ReservedAt     *string `json:"reserved_at,omitempty" format:"date-time"`
	DeliveredAt    *string `json:"delivered_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Request is a seeker's ask to receive a specific donation.
type Request struct {
	ID          int64   `json:"id"`
	RequesterID int64   `json:"requester_id"`
	DonationID  int64   `json:"donation_id"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	Message     string  `json:"message,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
