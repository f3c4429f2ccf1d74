package authz

import (
	"context"
	"errors"

	"lukhas/internal/logging"
)

// FallbackDecider consults Primary and, when it is unavailable, either
// Fallback (fail-open) or a deny (fail-closed). Errors that do not wrap
// ErrUnavailable are returned unchanged.
type FallbackDecider struct {
	Primary  Decider
	Fallback Decider
	FailOpen bool
}

// Decide implements Decider.
func (f *FallbackDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	d, err := f.Primary.Decide(ctx, req)
	if err == nil || !errors.Is(err, ErrUnavailable) {
		return d, err
	}

	if f.FailOpen && f.Fallback != nil {
		logging.AuthzWarn("primary decision point unavailable, using fallback: %v", err)
		d, ferr := f.Fallback.Decide(ctx, req)
		if ferr != nil {
			return d, ferr
		}
		d.Source = SourceLocalFallback
		return d, nil
	}

	logging.AuthzWarn("primary decision point unavailable, failing closed: %v", err)
	return Decision{Allow: false, Reason: ReasonPDPUnavailable, Source: SourceFailClosed}, nil
}
