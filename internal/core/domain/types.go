package domain

import (
	"context"
	"time"
)

// HealthStatus represents the current state of a platform service container
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusStarting  HealthStatus = "STARTING"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusExited    HealthStatus = "EXITED"
)

// ServiceStatus is the runtime view of one Quick Loan platform service.
type ServiceStatus struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    HealthStatus      `json:"status"`
	State     string            `json:"state"` // raw engine state, e.g. "running"
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// LLMProvider defines the interface for LLM services
type LLMProvider interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}
