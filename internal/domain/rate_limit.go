package domain

import (
	"time"
)

type RateLimitRule struct {
	Scope  string        `json:"scope"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

const (
	RateLimitScopeIP      = "ip"
	RateLimitScopeMessage = "message"
	RateLimitScopeUpload  = "upload"
)

type RateLimitResult struct {
	Allowed   bool
	Count     int64
	Remaining int
	ResetIn   time.Duration
}
