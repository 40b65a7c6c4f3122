package server

import (
	core "github.com/mohammad-safakhou/deepreport/internal/agent/core"
)

// HTTPError is the unified error body returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type IDResponse struct {
	ID string `json:"id"`
}

type RunCreateRequest struct {
	Query        string                 `json:"query"`
	Requirements []string               `json:"requirements,omitempty"`
	Options      core.RunOptions        `json:"options,omitempty"`
	Depth        int                    `json:"depth,omitempty"`
	MaxSources   int                    `json:"max_sources,omitempty"`
	Preferences  map[string]interface{} `json:"preferences,omitempty"`
}

type ScheduleCreateRequest struct {
	Query string `json:"query"`
	Cron  string `json:"cron"`
	Depth int    `json:"depth,omitempty"`
}

type ScheduleUpdateRequest struct {
	Enabled bool `json:"enabled"`
}
