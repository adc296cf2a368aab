// Package orchestrator sequences the migration stages: each stage runs
// as one unit of asynchronous work, persists its checkpoint, and
// schedules the next. Failures are classified and either retried with
// backoff or marked terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/skymigrate/pds-migrator/internal/config"
	"github.com/skymigrate/pds-migrator/internal/failure"
	"github.com/skymigrate/pds-migrator/internal/metrics"
	"github.com/skymigrate/pds-migrator/internal/pds"
	"github.com/skymigrate/pds-migrator/internal/secrets"
	"github.com/skymigrate/pds-migrator/internal/session"
	"github.com/skymigrate/pds-migrator/internal/storage"
	"github.com/skymigrate/pds-migrator/pkg/types"
)

// plcTokenRetention bounds how long the single-use confirmation token
// stays readable at rest.
const plcTokenRetention = time.Hour

// passwordRetention keeps the generated destination password readable
// until well past the irreversible stage.
const passwordRetention = 30 * 24 * time.Hour

// errAwaitUserInput signals that a stage is parked waiting for the
// user (the emailed confirmation token) rather than failing.
var errAwaitUserInput = errors.New("waiting for user input")

// Admitter gates heavy-I/O stages. A granted slot is held for the
// duration of one stage handler and returned with Release.
type Admitter interface {
	Admit(ctx context.Context) bool
	Release()
}

// ArchiveStore persists pre-migration repository backups. Nil disables
// the optional backup pre-stage.
type ArchiveStore interface {
	Put(ctx context.Context, migrationID string, archive io.Reader, size int64) (string, error)
	Exists(ctx context.Context, object string) (bool, error)
}

// Notifier delivers the recovery key to the user before the
// irreversible identity-directory step. The mail pipeline itself is an
// external collaborator.
type Notifier interface {
	NotifyRecoveryKey(ctx context.Context, email, locale, key string) error
}

// stage binds a handler to the statuses it runs at.
type stage struct {
	name  string
	heavy bool
	plc   bool
	run   func(ctx context.Context, m *storage.Migration) error
}

// Manager drives all migrations.
type Manager struct {
	store    *storage.Store
	cipher   *secrets.Cipher
	admitter Admitter
	archive  ArchiveStore
	notifier Notifier
	cfg      *config.Config

	stages map[types.MigrationStatus]*stage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the orchestrator. archive may be nil.
func NewManager(store *storage.Store, cipher *secrets.Cipher, admitter Admitter, archive ArchiveStore, notifier Notifier, cfg *config.Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		cipher:   cipher,
		admitter: admitter,
		archive:  archive,
		notifier: notifier,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}

	download := &stage{name: "download_backup", heavy: true, run: m.runDownloadBackup}
	repo := &stage{name: "transfer_repo", run: m.runTransferRepo}
	m.stages = map[types.MigrationStatus]*stage{
		types.StatusPendingDownload:   download,
		types.StatusPendingBackup:     download,
		types.StatusBackupReady:       {name: "start_migration", run: m.runStartMigration},
		types.StatusPendingAccount:    {name: "create_account", run: m.runCreateAccount},
		types.StatusAccountCreated:    repo,
		types.StatusPendingRepo:       repo,
		types.StatusPendingBlobs:      {name: "transfer_blobs", heavy: true, run: m.runTransferBlobs},
		types.StatusPendingPrefs:      {name: "transfer_prefs", run: m.runTransferPrefs},
		types.StatusPendingPLC:        {name: "plc_operation", plc: true, run: m.runPLCOperation},
		types.StatusPendingActivation: {name: "activate_account", run: m.runActivation},
	}
	return m
}

// Submit validates a migration request, authenticates against the
// source server with the user-supplied password, and enqueues the
// first stage. A second-factor demand from the source server
// propagates untouched so the caller can re-prompt.
func (m *Manager) Submit(ctx context.Context, req types.MigrationRequest) (*storage.Migration, error) {
	sourceClient := pds.NewClient(req.OldPDSHost, pds.WithRetries(m.cfg.RequestRetries))
	sess, err := sourceClient.CreateSession(ctx, req.OldHandle, req.OldPassword, req.AuthFactorToken)
	if err != nil {
		return nil, fmt.Errorf("source server login failed: %w", err)
	}
	if sess.DID != "" && sess.DID != req.DID {
		return nil, &pds.Error{
			Code:    pds.CodeIdentityMismatch,
			Message: "source session is for " + sess.DID + ", requested " + req.DID,
		}
	}

	now := time.Now()
	mig := &storage.Migration{
		ID:           uuid.New().String(),
		DID:          req.DID,
		AccessToken:  uuid.New().String(),
		Direction:    req.Direction,
		OldPDSHost:   req.OldPDSHost,
		NewPDSHost:   req.NewPDSHost,
		OldHandle:    req.OldHandle,
		NewHandle:    req.NewHandle,
		Email:        req.Email,
		Locale:       req.Locale,
		InviteCode:   req.InviteCode,
		WantedBackup: req.WantedBackup,
		Status:       types.StatusPendingAccount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.WantedBackup && m.archive != nil {
		mig.Status = types.StatusPendingDownload
	}

	// The generated destination password is a secret from birth; the
	// user-supplied source password is never stored, only its session.
	newPassword := uuid.New().String()
	mig.Secrets.NewPassword, err = m.cipher.Seal(newPassword, passwordRetention)
	if err != nil {
		return nil, fmt.Errorf("failed to seal destination password: %w", err)
	}
	mig.Secrets.OldSession, err = m.sealSession(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to seal source session: %w", err)
	}

	if err := m.store.CreateMigration(ctx, mig); err != nil {
		return nil, err
	}

	metrics.MigrationsStarted.Inc()
	logrus.WithFields(logrus.Fields{
		"migration_id": mig.ID,
		"did":          mig.DID,
		"status":       mig.Status,
	}).Info("Migration submitted")

	m.enqueue(mig.ID, 0)
	return mig, nil
}

// SubmitPLCToken stores the emailed single-use confirmation token and
// wakes the parked identity-directory stage.
func (m *Manager) SubmitPLCToken(ctx context.Context, id, token string) error {
	mig, err := m.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if mig.Status != types.StatusPendingPLC {
		return fmt.Errorf("migration is not waiting for a confirmation token (status %s)", mig.Status)
	}

	mig.Secrets.PLCToken, err = m.cipher.Seal(token, plcTokenRetention)
	if err != nil {
		return fmt.Errorf("failed to seal confirmation token: %w", err)
	}
	if err := m.store.SaveSecrets(ctx, id, mig.Secrets); err != nil {
		return err
	}

	m.enqueue(id, 0)
	return nil
}

// RequestNewPLCToken discards whatever confirmation token is stored and
// has the parked identity-directory stage ask the source server to email
// a fresh one. Refused once the directory operation has been submitted.
func (m *Manager) RequestNewPLCToken(ctx context.Context, id string) error {
	mig, err := m.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if mig.Status != types.StatusPendingPLC {
		return fmt.Errorf("migration is not waiting for a confirmation token (status %s)", mig.Status)
	}
	if mig.Progress.PLCSubmitted {
		return fmt.Errorf("directory operation already submitted")
	}

	mig.Secrets.PLCToken = secrets.Secret{}
	if err := m.store.SaveSecrets(ctx, id, mig.Secrets); err != nil {
		return err
	}
	mig.Progress.PLCRequested = false
	if err := m.store.SaveProgress(ctx, id, mig.Progress); err != nil {
		return err
	}

	logrus.WithField("migration_id", id).Info("Discarded stored confirmation token on user request")
	m.enqueue(id, 0)
	return nil
}

// Cancel marks a migration cancelled. It is a status write only:
// in-flight remote calls are never interrupted, and the storage layer
// rejects cancellation at or past the identity-directory stage.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.store.Transition(ctx, id, types.StatusCancelled); err != nil {
		return err
	}
	metrics.MigrationsFinished.WithLabelValues("cancelled").Inc()
	logrus.WithField("migration_id", id).Info("Migration cancelled")
	return nil
}

// Resume re-enqueues every non-terminal migration. Handlers are
// idempotent against their checkpointed status, so this is safe after
// a crash or deploy.
func (m *Manager) Resume(ctx context.Context) error {
	active, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active migrations: %w", err)
	}
	for _, mig := range active {
		logrus.WithFields(logrus.Fields{
			"migration_id": mig.ID,
			"status":       mig.Status,
		}).Info("Resuming migration")
		m.enqueue(mig.ID, 0)
	}
	return nil
}

// Stop cancels all in-flight stage work and waits for handlers to
// return.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until all scheduled work has drained. Intended for
// tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// enqueue schedules one processing pass for a migration. Delayed
// passes abandon the wait on shutdown.
func (m *Manager) enqueue(id string, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-m.ctx.Done():
				return
			case <-timer.C:
			}
		}
		m.process(id)
	}()
}

// process executes the stage handler matching the migration's current
// status, then schedules the follow-up: the next stage, a retry, or
// nothing for terminal outcomes.
func (m *Manager) process(id string) {
	ctx := m.ctx
	if ctx.Err() != nil {
		return
	}

	mig, err := m.store.GetMigration(ctx, id)
	if err != nil {
		logrus.WithError(err).WithField("migration_id", id).Error("Failed to load migration")
		return
	}
	if mig.Status.Terminal() {
		return
	}

	st, ok := m.stages[mig.Status]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"migration_id": id,
			"status":       mig.Status,
		}).Error("No stage handler for status")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"migration_id": id,
		"did":          mig.DID,
		"stage":        st.name,
	})

	if st.heavy {
		if !m.admitter.Admit(ctx) {
			metrics.AdmissionDenied.Inc()
			log.Debug("Heavy-I/O stage deferred by admission control")
			m.enqueue(id, m.cfg.AdmissionDelay)
			return
		}
		defer m.admitter.Release()
	}

	attempt := mig.Attempts + 1
	if err := m.store.SetJobStep(ctx, id, st.name, attempt); err != nil {
		log.WithError(err).Error("Failed to record job step")
		return
	}

	start := time.Now()
	err = st.run(ctx, mig)
	metrics.StageDuration.WithLabelValues(st.name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		m.enqueue(id, 0)

	case errors.Is(err, errAwaitUserInput):
		// Waiting is not an attempt; the counter stays fresh for when
		// the token arrives.
		if err := m.store.SetJobStep(ctx, id, st.name, mig.Attempts); err != nil {
			log.WithError(err).Error("Failed to reset attempt counter")
		}
		m.enqueue(id, m.cfg.StageRetryDelay)

	default:
		m.handleStageFailure(ctx, log, mig, st, attempt, err)
	}
}

func (m *Manager) handleStageFailure(ctx context.Context, log *logrus.Entry, mig *storage.Migration, st *stage, attempt int, err error) {
	// A concurrent cancellation makes in-flight handlers fail their
	// final transition; that is not a stage failure.
	if errors.Is(err, storage.ErrInvalidTransition) {
		if current, loadErr := m.store.GetMigration(ctx, mig.ID); loadErr == nil && current.Status.Terminal() {
			log.Info("Migration reached terminal status while stage was in flight")
			return
		}
	}

	class := failure.Classify(err, failure.Context{
		PLCStage:       st.plc,
		PostSubmission: mig.Progress.PLCSubmitted,
	})

	if class.Retryable && attempt < m.cfg.StageAttempts {
		log.WithError(err).WithFields(logrus.Fields{
			"kind":    class.Kind,
			"attempt": attempt,
		}).Warn("Stage failed, scheduling retry")
		metrics.StageRetries.WithLabelValues(st.name).Inc()
		if saveErr := m.store.SetLastError(ctx, mig.ID, err.Error(), string(class.Kind)); saveErr != nil {
			log.WithError(saveErr).Error("Failed to record stage error")
		}
		m.enqueue(mig.ID, m.cfg.StageRetryDelay)
		return
	}

	log.WithError(err).WithFields(logrus.Fields{
		"kind":     class.Kind,
		"severity": class.Severity,
	}).Error("Stage failed terminally")
	if markErr := m.store.MarkFailed(ctx, mig.ID, err.Error(), string(class.Kind)); markErr != nil {
		log.WithError(markErr).Error("Failed to mark migration failed")
		return
	}
	metrics.MigrationsFinished.WithLabelValues("failed").Inc()
}

// PersistTokens implements session.Persister: rotated tokens reach the
// durable record before the session manager lets its caller proceed.
func (m *Manager) PersistTokens(ctx context.Context, migrationID string, role session.Role, pair storage.TokenPair) error {
	return m.store.UpdateTokenPair(ctx, migrationID, role == session.RoleSource, pair)
}

func (m *Manager) sealSession(sess *pds.Session) (storage.TokenPair, error) {
	access, err := m.cipher.Seal(sess.AccessJwt, 14*24*time.Hour)
	if err != nil {
		return storage.TokenPair{}, err
	}
	refresh, err := m.cipher.Seal(sess.RefreshJwt, 14*24*time.Hour)
	if err != nil {
		return storage.TokenPair{}, err
	}
	return storage.TokenPair{
		Access:          access,
		Refresh:         refresh,
		AccessExpiresAt: time.Now().Add(10 * time.Minute),
	}, nil
}

// sessionFor builds the authenticated client and session manager for
// one server role. The refresh exchange runs on a bare client so token
// sourcing cannot recurse.
func (m *Manager) sessionFor(mig *storage.Migration, role session.Role) (*pds.Client, *session.Manager, error) {
	host := mig.OldPDSHost
	pair := mig.Secrets.OldSession
	if role == session.RoleDestination {
		host = mig.NewPDSHost
		pair = mig.Secrets.NewSession
	}

	refreshClient := pds.NewClient(host, pds.WithRetries(m.cfg.RequestRetries))
	mgr, err := session.NewManager(mig.ID, role, pair, m.cipher, refreshClient, m, m.cfg.TokenRefreshBuffer)
	if err != nil {
		return nil, nil, err
	}

	client := pds.NewClient(host, pds.WithRetries(m.cfg.RequestRetries), pds.WithAuth(mgr))
	return client, mgr, nil
}
