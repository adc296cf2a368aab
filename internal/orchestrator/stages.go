package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/skymigrate/pds-migrator/internal/blobs"
	"github.com/skymigrate/pds-migrator/internal/metrics"
	"github.com/skymigrate/pds-migrator/internal/pds"
	"github.com/skymigrate/pds-migrator/internal/secrets"
	"github.com/skymigrate/pds-migrator/internal/session"
	"github.com/skymigrate/pds-migrator/internal/storage"
	"github.com/skymigrate/pds-migrator/pkg/types"
)

// runDownloadBackup exports the full repository from the source server
// and stores it in the backup object store before anything on the
// destination is touched. Optional: skipped entirely when no archive
// store is configured.
func (m *Manager) runDownloadBackup(ctx context.Context, mig *storage.Migration) error {
	if m.archive == nil {
		return m.store.Transition(ctx, mig.ID, types.StatusPendingAccount)
	}

	// A crash between the upload and the status transition leaves the
	// stored object behind; re-check before exporting everything again.
	if mig.Progress.BackupObject != "" {
		stored, err := m.archive.Exists(ctx, mig.Progress.BackupObject)
		if err != nil {
			logrus.WithError(err).WithField("migration_id", mig.ID).Warn("Backup presence check failed, re-exporting")
		} else if stored {
			logrus.WithFields(logrus.Fields{
				"migration_id": mig.ID,
				"object":       mig.Progress.BackupObject,
			}).Info("Backup already stored, skipping export")
			return m.store.Transition(ctx, mig.ID, types.StatusBackupReady)
		}
	}

	srcClient, srcSession, err := m.sessionFor(mig, session.RoleSource)
	if err != nil {
		return err
	}
	if err := srcSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh source session: %w", err)
	}

	repo, size, err := srcClient.ExportRepo(ctx, mig.DID)
	if err != nil {
		return fmt.Errorf("failed to export repository: %w", err)
	}
	defer func() {
		_ = repo.Close() // Close errors are not critical
	}()

	if mig.Status == types.StatusPendingDownload {
		if err := m.store.Transition(ctx, mig.ID, types.StatusPendingBackup); err != nil {
			return err
		}
	}

	counted := &countingReader{r: repo}
	object, err := m.archive.Put(ctx, mig.ID, counted, size)
	if err != nil {
		return fmt.Errorf("failed to store backup: %w", err)
	}

	mig.Progress.BackupObject = object
	if err := m.store.SaveProgress(ctx, mig.ID, mig.Progress); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": mig.ID,
		"object":       object,
		"bytes":        counted.n,
	}).Info("Repository backup stored")

	return m.store.Transition(ctx, mig.ID, types.StatusBackupReady)
}

// runStartMigration advances a backed-up migration into the account
// pipeline.
func (m *Manager) runStartMigration(ctx context.Context, mig *storage.Migration) error {
	return m.store.Transition(ctx, mig.ID, types.StatusPendingAccount)
}

// runCreateAccount creates the destination account under the existing
// identity, authorized by an inter-service token minted on the source.
func (m *Manager) runCreateAccount(ctx context.Context, mig *storage.Migration) error {
	srcClient, srcSession, err := m.sessionFor(mig, session.RoleSource)
	if err != nil {
		return err
	}
	if err := srcSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh source session: %w", err)
	}

	serviceAuth, err := srcClient.GetServiceAuth(ctx, didWebFor(mig.NewPDSHost), "com.atproto.server.createAccount")
	if err != nil {
		return fmt.Errorf("failed to mint service auth token: %w", err)
	}

	password, err := m.cipher.Open(mig.Secrets.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt destination password: %w", err)
	}
	if password == "" {
		return fmt.Errorf("destination password is no longer available")
	}

	destClient := pds.NewClient(mig.NewPDSHost, pds.WithRetries(m.cfg.RequestRetries))
	sess, err := destClient.CreateAccount(ctx, pds.CreateAccountParams{
		DID:         mig.DID,
		Handle:      mig.NewHandle,
		Email:       mig.Email,
		Password:    password,
		InviteCode:  mig.InviteCode,
		ServiceAuth: serviceAuth,
	})
	if err != nil {
		// A crash between account creation and the status transition
		// leaves the account behind; logging back in with the password
		// we generated recovers the session instead of failing.
		if perr, ok := pds.AsError(err); ok && perr.Code == pds.CodeAccountAlreadyExists {
			sess, err = destClient.CreateSession(ctx, mig.NewHandle, password, "")
			if err != nil {
				return fmt.Errorf("account exists but login failed: %w", err)
			}
		} else {
			return fmt.Errorf("failed to create destination account: %w", err)
		}
	}

	_, destSession, err := m.sessionFor(mig, session.RoleDestination)
	if err != nil {
		return err
	}
	if err := destSession.SetTokens(ctx, sess.AccessJwt, sess.RefreshJwt); err != nil {
		return fmt.Errorf("failed to persist destination session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": mig.ID,
		"did":          mig.DID,
		"new_handle":   mig.NewHandle,
	}).Info("Destination account created")

	return m.store.Transition(ctx, mig.ID, types.StatusAccountCreated)
}

// runTransferRepo exports the repository from the source into a scratch
// file, then imports it on the destination. The scratch hop keeps the
// payload seekable so a rate-limited import attempt resends it whole.
func (m *Manager) runTransferRepo(ctx context.Context, mig *storage.Migration) error {
	if mig.Status == types.StatusAccountCreated {
		if err := m.store.Transition(ctx, mig.ID, types.StatusPendingRepo); err != nil {
			return err
		}
	}

	srcClient, srcSession, err := m.sessionFor(mig, session.RoleSource)
	if err != nil {
		return err
	}
	if err := srcSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh source session: %w", err)
	}
	destClient, destSession, err := m.sessionFor(mig, session.RoleDestination)
	if err != nil {
		return err
	}
	if err := destSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh destination session: %w", err)
	}

	repo, size, err := srcClient.ExportRepo(ctx, mig.DID)
	if err != nil {
		return fmt.Errorf("failed to export repository: %w", err)
	}
	defer func() {
		_ = repo.Close() // Close errors are not critical
	}()

	scratch, err := os.CreateTemp(m.cfg.ScratchDir, "repo-*.car")
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	defer func() {
		_ = scratch.Close()        // Close errors are not critical
		_ = os.Remove(scratchPath) // Cleanup errors are not critical
	}()

	written, err := io.Copy(scratch, repo)
	if err != nil {
		return fmt.Errorf("failed to download repository: %w", err)
	}
	if size > 0 && written != size {
		return fmt.Errorf("repository export incomplete: got %d bytes, expected %d", written, size)
	}

	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind scratch file: %w", err)
	}
	if err := destClient.ImportRepo(ctx, scratch); err != nil {
		return fmt.Errorf("failed to import repository: %w", err)
	}

	mig.Progress.RepoBytes = written
	if err := m.store.SaveProgress(ctx, mig.ID, mig.Progress); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": mig.ID,
		"bytes":        written,
	}).Info("Repository transferred")

	return m.store.Transition(ctx, mig.ID, types.StatusPendingBlobs)
}

// destEndpoints adapts an authenticated client to the blob engine's
// destination interface.
type destEndpoints struct {
	*pds.Client
}

func (d destEndpoints) ExpectedVsImported(ctx context.Context) (int, int, error) {
	status, err := d.CheckAccountStatus(ctx)
	if err != nil {
		return 0, 0, err
	}
	return status.ExpectedBlobs, status.ImportedBlobs, nil
}

// runTransferBlobs runs the bulk blob transfer and reconciliation.
// Per-blob failures are recorded, never fatal.
func (m *Manager) runTransferBlobs(ctx context.Context, mig *storage.Migration) error {
	srcClient, srcSession, err := m.sessionFor(mig, session.RoleSource)
	if err != nil {
		return err
	}
	if err := srcSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh source session: %w", err)
	}
	destClient, destSession, err := m.sessionFor(mig, session.RoleDestination)
	if err != nil {
		return err
	}
	if err := destSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh destination session: %w", err)
	}

	engine := blobs.NewEngine(srcClient, destEndpoints{destClient}, blobs.Config{
		ScratchDir:      m.cfg.ScratchDir,
		Workers:         m.cfg.BlobWorkers,
		Retries:         m.cfg.BlobRetries,
		CheckpointEvery: m.cfg.CheckpointEvery,
	})

	before := mig.Progress.BytesTransferred
	err = engine.Transfer(ctx, mig.DID, &mig.Progress, func(ctx context.Context, p types.ProgressData) error {
		return m.store.SaveProgress(ctx, mig.ID, p)
	})
	metrics.BlobBytesTransferred.Add(float64(mig.Progress.BytesTransferred - before))
	if err != nil {
		return fmt.Errorf("blob transfer failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": mig.ID,
		"total":        mig.Progress.TotalBlobs,
		"completed":    mig.Progress.CompletedBlobs,
		"failed":       len(mig.Progress.FailedBlobs),
	}).Info("Blob transfer finished")

	return m.store.Transition(ctx, mig.ID, types.StatusPendingPrefs)
}

// runTransferPrefs copies the account's private preferences verbatim.
func (m *Manager) runTransferPrefs(ctx context.Context, mig *storage.Migration) error {
	srcClient, srcSession, err := m.sessionFor(mig, session.RoleSource)
	if err != nil {
		return err
	}
	if err := srcSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh source session: %w", err)
	}
	destClient, destSession, err := m.sessionFor(mig, session.RoleDestination)
	if err != nil {
		return err
	}
	if err := destSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh destination session: %w", err)
	}

	prefs, err := srcClient.GetPreferences(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch preferences: %w", err)
	}
	if err := destClient.ImportPreferences(ctx, prefs); err != nil {
		return fmt.Errorf("failed to import preferences: %w", err)
	}

	return m.store.Transition(ctx, mig.ID, types.StatusPendingPLC)
}

// runPLCOperation is the point of no return. Strict ordering: the
// recovery key must be durably stored and the user notified before the
// confirmation token is even requested, and the submission marker is
// persisted before the submit call so an ambiguous outcome is treated
// as post-submission.
func (m *Manager) runPLCOperation(ctx context.Context, mig *storage.Migration) error {
	srcClient, srcSession, err := m.sessionFor(mig, session.RoleSource)
	if err != nil {
		return err
	}
	if err := srcSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh source session: %w", err)
	}

	if !mig.Progress.RecoveryKeySaved {
		if err := m.ensureRecoveryKey(ctx, mig); err != nil {
			return err
		}
	}

	token, err := m.cipher.Open(mig.Secrets.PLCToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt confirmation token: %w", err)
	}
	if token == "" {
		// Stored ciphertext with an empty plaintext means the token sat
		// past its retention unused. It is dead; drop it and ask the
		// source server for a fresh one.
		if mig.Secrets.PLCToken.Ciphertext != "" {
			mig.Secrets.PLCToken = secrets.Secret{}
			if err := m.store.SaveSecrets(ctx, mig.ID, mig.Secrets); err != nil {
				return err
			}
			mig.Progress.PLCRequested = false
			if err := m.store.SaveProgress(ctx, mig.ID, mig.Progress); err != nil {
				return err
			}
			logrus.WithField("migration_id", mig.ID).Warn("Confirmation token expired unused, requesting a new one")
		}
		if !mig.Progress.PLCRequested {
			if err := srcClient.RequestPLCOperationSignature(ctx); err != nil {
				return fmt.Errorf("failed to request confirmation token: %w", err)
			}
			mig.Progress.PLCRequested = true
			if err := m.store.SaveProgress(ctx, mig.ID, mig.Progress); err != nil {
				return err
			}
			logrus.WithField("migration_id", mig.ID).Info("Confirmation token requested, awaiting user")
		}
		return errAwaitUserInput
	}

	destClient, destSession, err := m.sessionFor(mig, session.RoleDestination)
	if err != nil {
		return err
	}
	if err := destSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh destination session: %w", err)
	}

	creds, err := destClient.GetRecommendedCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch recommended credentials: %w", err)
	}
	if err := m.addRecoveryRotationKey(mig, creds); err != nil {
		return err
	}

	signed, err := srcClient.SignPLCOperation(ctx, token, creds)
	if err != nil {
		return fmt.Errorf("failed to sign directory operation: %w", err)
	}

	// The token is single-use; whatever happens next it is spent.
	mig.Secrets.PLCToken = secrets.Secret{}
	if err := m.store.SaveSecrets(ctx, mig.ID, mig.Secrets); err != nil {
		return err
	}

	mig.Progress.PLCSubmitted = true
	if err := m.store.SaveProgress(ctx, mig.ID, mig.Progress); err != nil {
		return err
	}

	if err := destClient.SubmitPLCOperation(ctx, signed); err != nil {
		return fmt.Errorf("failed to submit directory operation: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": mig.ID,
		"did":          mig.DID,
	}).Info("Identity directory updated")

	return m.store.Transition(ctx, mig.ID, types.StatusPendingActivation)
}

// runActivation flips the destination live, parks the source, and
// scrubs every secret except the recovery key.
func (m *Manager) runActivation(ctx context.Context, mig *storage.Migration) error {
	destClient, destSession, err := m.sessionFor(mig, session.RoleDestination)
	if err != nil {
		return err
	}
	if err := destSession.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh destination session: %w", err)
	}
	if err := destClient.ActivateAccount(ctx); err != nil {
		return fmt.Errorf("failed to activate destination account: %w", err)
	}

	// Best effort only: the migration is already complete from the
	// identity's point of view.
	if srcClient, srcSession, err := m.sessionFor(mig, session.RoleSource); err == nil {
		if err := srcSession.EnsureFresh(ctx); err == nil {
			if err := srcClient.DeactivateAccount(ctx); err != nil {
				logrus.WithError(err).WithField("migration_id", mig.ID).Warn("Failed to deactivate source account")
			}
		}
	}

	mig.Secrets = storage.SecretSet{RecoveryKey: mig.Secrets.RecoveryKey}
	if err := m.store.SaveSecrets(ctx, mig.ID, mig.Secrets); err != nil {
		return err
	}

	if err := m.store.Transition(ctx, mig.ID, types.StatusCompleted); err != nil {
		return err
	}

	metrics.MigrationsFinished.WithLabelValues("completed").Inc()
	logrus.WithFields(logrus.Fields{
		"migration_id": mig.ID,
		"did":          mig.DID,
	}).Info("Migration completed")
	return nil
}

// ensureRecoveryKey generates the rotation key, persists it encrypted
// without expiry, and notifies the user. The saved marker is written
// only after notification succeeds.
func (m *Manager) ensureRecoveryKey(ctx context.Context, mig *storage.Migration) error {
	privHex, err := generateRecoveryKey()
	if err != nil {
		return fmt.Errorf("failed to generate recovery key: %w", err)
	}

	mig.Secrets.RecoveryKey, err = m.cipher.Seal(privHex, 0)
	if err != nil {
		return fmt.Errorf("failed to seal recovery key: %w", err)
	}
	if err := m.store.SaveSecrets(ctx, mig.ID, mig.Secrets); err != nil {
		return err
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyRecoveryKey(ctx, mig.Email, mig.Locale, privHex); err != nil {
			return fmt.Errorf("failed to notify user of recovery key: %w", err)
		}
	}

	mig.Progress.RecoveryKeySaved = true
	if err := m.store.SaveProgress(ctx, mig.ID, mig.Progress); err != nil {
		return err
	}

	logrus.WithField("migration_id", mig.ID).Info("Recovery key stored and delivered")
	return nil
}

// addRecoveryRotationKey prepends our recovery key to the rotation key
// list so the user outranks both servers in the directory record.
func (m *Manager) addRecoveryRotationKey(mig *storage.Migration, creds map[string]json.RawMessage) error {
	privHex, err := m.cipher.Open(mig.Secrets.RecoveryKey)
	if err != nil {
		return fmt.Errorf("failed to decrypt recovery key: %w", err)
	}
	if privHex == "" {
		return fmt.Errorf("recovery key is not available")
	}
	didKey, err := recoveryDIDKey(privHex)
	if err != nil {
		return err
	}

	var rotation []string
	if raw, ok := creds["rotationKeys"]; ok {
		if err := json.Unmarshal(raw, &rotation); err != nil {
			return fmt.Errorf("failed to parse rotation keys: %w", err)
		}
	}
	rotation = append([]string{didKey}, rotation...)

	encoded, err := json.Marshal(rotation)
	if err != nil {
		return err
	}
	creds["rotationKeys"] = encoded
	return nil
}

// p256pub is the multicodec prefix for a compressed P-256 public key.
var p256pub = []byte{0x80, 0x24}

func generateRecoveryKey() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.D.FillBytes(make([]byte, 32))), nil
}

// recoveryDIDKey derives the public did:key form of a stored recovery
// key.
func recoveryDIDKey(privHex string) (string, error) {
	d, err := hex.DecodeString(privHex)
	if err != nil {
		return "", fmt.Errorf("malformed recovery key: %w", err)
	}
	curve := elliptic.P256()
	x, y := curve.ScalarBaseMult(d)
	compressed := elliptic.MarshalCompressed(curve, x, y)
	return "did:key:z" + base58.Encode(append(p256pub, compressed...)), nil
}

// didWebFor converts a server base URL into the did:web audience used
// for inter-service auth.
func didWebFor(host string) string {
	h := strings.TrimPrefix(host, "https://")
	h = strings.TrimPrefix(h, "http://")
	return "did:web:" + strings.TrimSuffix(h, "/")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
