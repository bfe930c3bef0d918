package backend

import (
	"context"
	"time"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// HealthStatus is one server's fleet health probe result.
type HealthStatus struct {
	Server      string             `json:"server"`
	Protocol    directory.Protocol `json:"protocol"`
	OK          bool               `json:"ok"`
	Credentials int                `json:"credentials"`
	Error       string             `json:"error,omitempty"`
}

// CheckFleet probes every facade with a login + list, each under its own
// timeout budget. Probe failures are reported, never propagated: a down
// server is a finding, not an error.
func CheckFleet(ctx context.Context, facades []*Facade, timeout time.Duration) []HealthStatus {
	statuses := make([]HealthStatus, 0, len(facades))
	for _, f := range facades {
		statuses = append(statuses, checkOne(ctx, f, timeout))
	}
	return statuses
}

func checkOne(ctx context.Context, f *Facade, timeout time.Duration) HealthStatus {
	status := HealthStatus{Server: f.Name(), Protocol: f.Descriptor().Protocol}

	probeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := f.Login(probeCtx); err != nil {
		status.Error = err.Error()
		return status
	}
	creds, err := f.ListActive(probeCtx)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.OK = true
	status.Credentials = len(creds)
	return status
}
