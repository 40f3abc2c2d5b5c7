package storage

import "time"

type Credential struct {
	ID              string
	UserID          string
	Provider        string
	DisplayName     string
	EncAccessToken  string
	EncRefreshToken *string
	ExpiresAt       *time.Time
	MetadataJSON    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Connection statuses mirror the hub's lifecycle.
const (
	ConnectionPending = "PENDING"
	ConnectionActive  = "ACTIVE"
	ConnectionExpired = "EXPIRED"
	ConnectionFailed  = "FAILED"
)

type Connection struct {
	ID                string
	UserID            string
	ExternalAccountID string
	ToolkitName       string
	AuthConfigID      string
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Execution struct {
	ID        string
	UserID    string
	Prompt    string
	Tool      string
	Action    string
	Strategy  string
	Success   bool
	Error     string
	Code      string
	CreatedAt time.Time
}
