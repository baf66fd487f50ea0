package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/csai/fetch-proxy-agent/internal/certs"
	"github.com/csai/fetch-proxy-agent/internal/config"
	"github.com/csai/fetch-proxy-agent/internal/control"
	"github.com/csai/fetch-proxy-agent/internal/state"
)

var (
	ErrSessionActive  = errors.New("session_active")
	ErrNoSession      = errors.New("no_session")
	ErrServiceOffline = errors.New("service_offline")
)

// Manager orchestrates one proxy session per build: create a session,
// instrument the build environment with it, and after the build tear the
// session down and collect the artefact report. At most one session is
// active per Manager.
type Manager struct {
	cfg     config.Config
	control *control.Client
	certs   *certs.Provisioner
	store   *state.Store
	log     *slog.Logger

	active *control.SessionData
}

func NewManager(cfg config.Config, ctrl *control.Client, st *state.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		control: ctrl,
		certs:   certs.NewProvisioner(cfg.Service.CertificateDir),
		store:   st,
		log:     logger,
	}
}

// Create opens a proxy session and instruments the given build environment
// to use it. The returned variables must be supplied to every subsequent
// command run against the environment. Calling Create again before Teardown
// is a usage error.
func (m *Manager) Create(ctx context.Context, tgt Instrumentable) (map[string]string, error) {
	if m.active != nil {
		return nil, fmt.Errorf("a proxy session is already active: %w", ErrSessionActive)
	}
	if !m.control.IsOnline(ctx) {
		return nil, fmt.Errorf("fetch-service is not online: %w", ErrServiceOffline)
	}

	bundle, err := m.certs.Obtain()
	if err != nil {
		return nil, fmt.Errorf("obtain certificate for session: %w", err)
	}

	session, err := m.control.CreateSession(ctx)
	if err != nil {
		return nil, err
	}

	configurator := NewConfigurator(m.cfg.Service.ProxyPort, bundle.CertPath)
	env, err := configurator.Configure(ctx, tgt, session)
	if err != nil {
		// The environment is in an unknown state; release the session so
		// it does not leak server-side.
		if _, terr := m.control.TeardownSession(ctx, session); terr != nil {
			m.log.Warn("session_rollback_failed", slog.String("session_id", session.ID), slog.String("error", terr.Error()))
		}
		return nil, fmt.Errorf("configure build environment: %w", err)
	}

	gateway, _ := tgt.Gateway(ctx)
	if err := m.store.Save(state.ActiveSession{
		ID:        session.ID,
		Token:     session.Token,
		Gateway:   gateway,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		m.log.Warn("session_state_save_failed", slog.String("session_id", session.ID), slog.String("error", err.Error()))
	}

	m.active = &session
	m.log.Info("session_created", slog.String("session_id", session.ID))
	return env, nil
}

// Teardown closes the active session and returns its artefact report. The
// manager's session state is cleared even when the teardown fails, so the
// manager stays usable for the next build; the error is still propagated.
func (m *Manager) Teardown(ctx context.Context) (control.Report, error) {
	if m.active == nil {
		return control.Report{}, fmt.Errorf("no active proxy session: %w", ErrNoSession)
	}
	session := *m.active
	m.active = nil
	if err := m.store.Clear(); err != nil {
		m.log.Warn("session_state_clear_failed", slog.String("error", err.Error()))
	}

	report, err := m.control.TeardownSession(ctx, session)
	if err != nil {
		return control.Report{}, err
	}
	m.log.Info("session_torn_down",
		slog.String("session_id", session.ID),
		slog.Int("artefacts", len(report.Artefacts)),
	)
	return report, nil
}

// Recover tears down a session left behind by an earlier run, using the
// persisted session record. Abandoned sessions hold server-side resources
// until explicitly released; they are never silently reclaimed.
func (m *Manager) Recover(ctx context.Context) (control.Report, error) {
	rec, ok, err := m.store.Load()
	if err != nil {
		return control.Report{}, err
	}
	if !ok {
		return control.Report{}, fmt.Errorf("no recorded proxy session: %w", ErrNoSession)
	}
	if err := m.store.Clear(); err != nil {
		m.log.Warn("session_state_clear_failed", slog.String("error", err.Error()))
	}
	return m.control.TeardownSession(ctx, control.SessionData{ID: rec.ID, Token: rec.Token})
}
