package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"lukhas/internal/authz"
	"lukhas/internal/capability"
	"lukhas/internal/config"
	"lukhas/internal/incident"
	"lukhas/internal/logging"
	"lukhas/internal/policy"
	"lukhas/internal/store"
)

// policyRuntime is the decider built from the authz config plus the watcher
// that feeds it, when the local policy is in use.
type policyRuntime struct {
	decider authz.Decider
	local   *authz.LocalDecider
	watcher *policy.Watcher
}

// Stop stops the policy watcher, if one was started.
func (p *policyRuntime) Stop() {
	if p.watcher != nil {
		p.watcher.Stop()
	}
}

// buildDecider returns the decision point for ac. In local mode the policy
// file is watched when hot reload is on. In OPA mode the local policy, when
// it loads, serves as the fail-open fallback.
func buildDecider(ctx context.Context, ac config.AuthzConfig, watch bool) (*policyRuntime, error) {
	rt := &policyRuntime{}

	if ac.Mode == config.AuthzModeLocal || ac.FailOpen {
		w, err := policy.NewWatcher(ac.PolicyPath)
		switch {
		case err != nil && ac.Mode == config.AuthzModeLocal:
			return nil, fmt.Errorf("failed to load policy: %w", err)
		case err != nil:
			logging.PolicyWarn("no local fallback policy: %v", err)
		default:
			local, err := authz.NewLocalDecider(w.Current())
			if err != nil {
				return nil, err
			}
			w.Subscribe(func(doc *policy.Document) {
				if err := local.Load(doc); err != nil {
					logging.PolicyWarn("reloaded policy rejected by decider: %v", err)
				}
			})
			if watch && ac.HotReload {
				if err := w.Start(ctx); err != nil {
					return nil, err
				}
			}
			rt.local, rt.watcher = local, w
		}
	}

	if ac.Mode == config.AuthzModeOPA {
		opa := authz.NewOPADecider(ac.OPAURL, ac.DecisionPath, ac.GetOPATimeout())
		fb := &authz.FallbackDecider{Primary: opa, FailOpen: ac.FailOpen}
		if rt.local != nil {
			fb.Fallback = rt.local
		}
		rt.decider = fb
		logging.Boot("authz: OPA at %s (fail_open=%v)", opa.URL(), ac.FailOpen)
		return rt, nil
	}

	rt.decider = rt.local
	logging.Boot("authz: local policy %s (version %s)", ac.PolicyPath, rt.local.Version())
	return rt, nil
}

// buildIssuer returns the token issuer and verifier for ac.
func buildIssuer(ac config.AuthzConfig) (*capability.Issuer, *capability.Verifier, error) {
	if len(ac.TokenSecret) < 16 {
		return nil, nil, fmt.Errorf("token secret must be at least 16 bytes (set authz.token_secret or LUKHAS_TOKEN_SECRET)")
	}
	issuer, err := capability.NewIssuer([]byte(ac.TokenSecret), ac.TokenIssuer)
	if err != nil {
		return nil, nil, err
	}
	return issuer, capability.NewVerifier([]byte(ac.TokenSecret), ac.TokenIssuer), nil
}

// buildEngine creates the incident engine and loads the playbook directory.
// A missing directory leaves the engine empty.
func buildEngine(ic config.IncidentConfig, approver incident.Approver, rec incident.Recorder) (*incident.Engine, error) {
	engine := incident.NewEngine(incident.Options{
		MaxParallel: ic.MaxParallel,
		StepTimeout: ic.GetStepTimeout(),
		Approver:    approver,
		Recorder:    rec,
	})
	if ic.PlaybookDir == "" {
		return engine, nil
	}
	n, err := engine.LoadPlaybooks(ic.PlaybookDir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("playbook directory missing, no playbooks loaded", zap.String("dir", ic.PlaybookDir))
		return engine, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("playbooks loaded", zap.String("dir", ic.PlaybookDir), zap.Int("count", n))
	return engine, nil
}

// openStore opens the SQLite database named in the config.
func openStore(dc config.DatabaseConfig) (*store.LocalStore, error) {
	path := dc.Path
	if path == "" {
		path = ":memory:"
	}
	st, err := store.NewLocalStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}
