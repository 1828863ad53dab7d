// Package models defines the core domain models for conversational automation.
package models

import "time"

// InstanceStatus represents the connectivity state of a channel instance.
type InstanceStatus string

const (
	InstanceStatusConnecting   InstanceStatus = "connecting"
	InstanceStatusConnected    InstanceStatus = "connected"
	InstanceStatusDisconnected InstanceStatus = "disconnected"
)

// GatewayProvider identifies which upstream messaging backend an instance
// is paired with.
type GatewayProvider string

const (
	ProviderZAPI      GatewayProvider = "zapi"
	ProviderEvolution GatewayProvider = "evolution"
)

// Instance is one tenant-owned channel connection. Instances are never
// hard-deleted; connectivity is tracked through Status transitions only.
type Instance struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"       validate:"required"`
	Name           string          `json:"name"            validate:"required,min=1"`
	Phone          string          `json:"phone"`
	Provider       GatewayProvider `json:"provider"        validate:"required,oneof=zapi evolution"`
	Token          string          `json:"token"`
	BaseURL        string          `json:"base_url,omitempty"`
	Status         InstanceStatus  `json:"status"`
	ConnectedAt    *time.Time      `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (i *Instance) Connected() bool {
	return i.Status == InstanceStatusConnected
}
