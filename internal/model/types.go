package model

import "time"

// Role distinguishes citizens from NGO/responder staff
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleStaff   Role = "staff"
)

// Collection names in the remote store
const (
	CollectionAidRequests   = "aid_requests"
	CollectionEmergencies   = "emergencies"
	CollectionDamageReports = "damage_reports"
	CollectionProfiles      = "profiles"
)

// AidStatus represents the lifecycle of an aid request
type AidStatus string

const (
	AidStatusRequested  AidStatus = "Requested"
	AidStatusInProgress AidStatus = "In Progress"
	AidStatusDelivered  AidStatus = "Delivered"
	AidStatusCancelled  AidStatus = "Cancelled"
)

// Urgency of an aid request
type Urgency string

const (
	UrgencyLow    Urgency = "Low"
	UrgencyMedium Urgency = "Medium"
	UrgencyHigh   Urgency = "High"
)

// AidTypes are the boolean aid-type flags of a request
type AidTypes struct {
	Food     bool   `json:"food"`
	Water    bool   `json:"water"`
	Medical  bool   `json:"medical"`
	Shelter  bool   `json:"shelter"`
	Clothing bool   `json:"clothing"`
	Other    string `json:"other,omitempty"`
}

// Any reports whether at least one aid type is requested
func (a AidTypes) Any() bool {
	return a.Food || a.Water || a.Medical || a.Shelter || a.Clothing || a.Other != ""
}

// AidRequest is a citizen's request for aid
type AidRequest struct {
	ID            string    `json:"id"`
	RequesterID   string    `json:"requesterId"`
	RequesterName string    `json:"requesterName"`
	Phone         string    `json:"phone,omitempty"`
	Address       string    `json:"address,omitempty"`
	HouseholdSize int       `json:"householdSize"`
	AidTypes      AidTypes  `json:"aidTypes"`
	Urgency       Urgency   `json:"urgency"`
	Status        AidStatus `json:"status"`
	Rating        *int      `json:"rating,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// EmergencyStatus represents the lifecycle of an emergency
type EmergencyStatus string

const (
	EmergencyStatusPending    EmergencyStatus = "pending"
	EmergencyStatusApproved   EmergencyStatus = "Approved"
	EmergencyStatusInProgress EmergencyStatus = "In Progress"
	EmergencyStatusDone       EmergencyStatus = "Done"
)

// Emergency is raised by a citizen pressing the emergency button
type Emergency struct {
	ID           string          `json:"id"`
	DisasterType string          `json:"disasterType"`
	ReporterID   string          `json:"reporterId"`
	Location     GeoPoint        `json:"location"`
	Status       EmergencyStatus `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// DamageCategory of a damage report
type DamageCategory string

const (
	DamageInfrastructure DamageCategory = "infrastructure"
	DamageHousing        DamageCategory = "housing"
	DamageRoad           DamageCategory = "road"
	DamageUtilities      DamageCategory = "utilities"
	DamageAgriculture    DamageCategory = "agriculture"
	DamageOther          DamageCategory = "other"
)

// Severity of a damage report
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ModerationStatus of a damage report
type ModerationStatus string

const (
	ModerationPending    ModerationStatus = "pending"
	ModerationApproved   ModerationStatus = "approved"
	ModerationRejected   ModerationStatus = "rejected"
	ModerationInProgress ModerationStatus = "in-progress"
)

// DamageReport describes observed damage at a location
type DamageReport struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"ownerId"`
	Description string           `json:"description"`
	Category    DamageCategory   `json:"category"`
	Severity    Severity         `json:"severity"`
	Location    GeoPoint         `json:"location"`
	Media       []string         `json:"media"`
	Status      ModerationStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// UserProfile is created once at registration
type UserProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Document is a JSON document in a remote store collection
type Document struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	OwnerID    string                 `json:"ownerId"`
	Data       map[string]interface{} `json:"data"`
	CreatedAt  string                 `json:"createdAt,omitempty"`
	UpdatedAt  string                 `json:"updatedAt,omitempty"`
}

// Identity is an authenticated principal
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	Token  string `json:"token,omitempty"`
}

// IsStaff reports whether the identity belongs to NGO staff
func (i Identity) IsStaff() bool {
	return i.Role == RoleStaff
}
