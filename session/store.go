// Package session holds who is logged in and as what role.
package session

import (
	"agency-crm/auth"
	"agency-crm/contract"
	"agency-crm/domain"
	"agency-crm/errors"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ProfileCreationError is returned by SignUp when the credential exists but
// its profile row could not be written. It matches ErrProfileCreationFailed.
type ProfileCreationError struct {
	UserID domain.UserID
	Err    error
}

func (e *ProfileCreationError) Error() string {
	return fmt.Sprintf("%v for user %s: %v", errors.ErrProfileCreationFailed, e.UserID, e.Err)
}

func (e *ProfileCreationError) Is(target error) bool {
	return target == errors.ErrProfileCreationFailed
}

func (e *ProfileCreationError) Unwrap() error {
	return e.Err
}

// Store is the single authoritative holder of the current Session.
// Mutations are serialized; Current never blocks.
type Store struct {
	log    *slog.Logger
	auth   contract.IAuth
	tables contract.ITables

	mu       sync.Mutex
	state    atomic.Pointer[domain.Session]
	hydrated bool
	// credential backs the current identity, orphan a credential whose
	// profile creation failed.
	credential *contract.AuthSession
	orphan     *contract.AuthSession
}

func NewStore(log *slog.Logger, authGateway contract.IAuth, tables contract.ITables) *Store {
	s := &Store{log: log, auth: authGateway, tables: tables}
	s.state.Store(&domain.Session{Status: domain.StatusHydrating})
	return s
}

// Current returns the latest settled session.
func (s *Store) Current() domain.Session {
	return *s.state.Load()
}

// begin serializes mutations. A caller racing another mutation fails fast
// instead of queueing behind it.
func (s *Store) begin() (func(), error) {
	if !s.mu.TryLock() {
		return nil, errors.ErrOperationPending
	}
	return s.mu.Unlock, nil
}

func (s *Store) settle(identity *domain.Identity, credential *contract.AuthSession) {
	s.credential = credential
	s.state.Store(&domain.Session{Identity: identity, Status: domain.StatusReady})
}

// Hydrate restores the persisted session, if any. Only the first call
// does work.
func (s *Store) Hydrate(ctx context.Context) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()
	if s.hydrated {
		return nil
	}
	s.hydrated = true

	current, err := s.auth.CurrentSession(ctx)
	if err != nil {
		s.settle(nil, nil)
		return fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	if current == nil {
		s.log.Debug("No persisted session")
		s.settle(nil, nil)
		return nil
	}

	identity, err := s.loadIdentity(ctx, domain.UserID(current.UserID))
	if err != nil {
		s.log.Warn("Persisted session has no usable profile", "user_id", current.UserID, "error", err)
		s.settle(nil, nil)
		return err
	}
	s.log.Info("Session restored", "user_id", identity.ID, "role", identity.Role)
	s.settle(&identity, current)
	return nil
}

// SignIn exchanges credentials for a session. With asAdmin, a non admin
// identity has its fresh session revoked before ErrUnauthorizedRole is
// returned.
func (s *Store) SignIn(ctx context.Context, email, password string, asAdmin bool) (domain.Identity, error) {
	unlock, err := s.begin()
	if err != nil {
		return domain.Identity{}, err
	}
	defer unlock()

	credential, err := s.auth.ExchangeCredentials(ctx, email, password)
	if err != nil {
		if stderrors.Is(err, errors.ErrInvalidCredentials) {
			return domain.Identity{}, errors.ErrInvalidCredentials
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}

	identity, err := s.loadIdentity(ctx, domain.UserID(credential.UserID))
	switch {
	case asAdmin && (stderrors.Is(err, errors.ErrNotFound) || (err == nil && !identity.Role.IsAdmin())):
		s.log.Warn("Admin sign in refused", "user_id", credential.UserID)
		return domain.Identity{}, s.rollback(ctx, credential, errors.ErrUnauthorizedRole)
	case err != nil:
		return domain.Identity{}, s.rollback(ctx, credential, err)
	}

	s.log.Info("Signed in", "user_id", identity.ID, "role", identity.Role)
	s.replace(ctx, &identity, &credential)
	return identity, nil
}

// replace settles a new signed in identity and revokes the credential it
// supersedes. A failed revocation is logged only: the new session stands.
func (s *Store) replace(ctx context.Context, identity *domain.Identity, credential *contract.AuthSession) {
	previous := s.credential
	s.settle(identity, credential)
	if previous == nil || previous.Token == credential.Token {
		return
	}
	if err := s.auth.Revoke(ctx, *previous); err != nil {
		s.log.Warn("Failed to revoke replaced session", "user_id", previous.UserID, "error", err)
	}
}

// rollback revokes a session that must not survive and returns cause,
// annotated when the revocation itself failed.
func (s *Store) rollback(ctx context.Context, credential contract.AuthSession, cause error) error {
	if err := s.auth.Revoke(ctx, credential); err != nil {
		s.log.Error("Failed to revoke rejected session", "user_id", credential.UserID, "error", err)
		return fmt.Errorf("%w: revocation failed: %v", cause, err)
	}
	return cause
}

// SignUp creates a credential and its profile then signs the user in.
// When only the profile fails a *ProfileCreationError is returned and the
// credential is kept aside for RetryProfile or DiscardCredential. A
// credential still kept aside from an earlier attempt is discarded first.
func (s *Store) SignUp(ctx context.Context, email, password string, fields domain.ProfileFields) (domain.Identity, error) {
	unlock, err := s.begin()
	if err != nil {
		return domain.Identity{}, err
	}
	defer unlock()

	if err = auth.ValidateSignUp(auth.NewSignUpRequest(email, password, fields)); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrInvalidSignUp, err)
	}

	if s.orphan != nil {
		if err = s.auth.DeleteCredential(ctx, *s.orphan); err != nil {
			return domain.Identity{}, fmt.Errorf("%w: pending credential not discarded: %v", errors.ErrGateway, err)
		}
		s.log.Info("Orphan credential discarded", "user_id", s.orphan.UserID)
		s.orphan = nil
	}

	credential, err := s.auth.CreateCredential(ctx, email, password)
	if err != nil {
		if stderrors.Is(err, errors.ErrUserAlreadyExists) {
			return domain.Identity{}, errors.ErrUserAlreadyExists
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}

	return s.createProfile(ctx, credential, fields)
}

// RetryProfile writes the profile of the credential left by a failed
// SignUp.
func (s *Store) RetryProfile(ctx context.Context, fields domain.ProfileFields) (domain.Identity, error) {
	unlock, err := s.begin()
	if err != nil {
		return domain.Identity{}, err
	}
	defer unlock()

	if s.orphan == nil {
		return domain.Identity{}, fmt.Errorf("%w: no pending credential", errors.ErrNotFound)
	}
	return s.createProfile(ctx, *s.orphan, fields)
}

// DiscardCredential deletes the credential left by a failed SignUp.
func (s *Store) DiscardCredential(ctx context.Context) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	if s.orphan == nil {
		return nil
	}
	if err = s.auth.DeleteCredential(ctx, *s.orphan); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	s.log.Info("Orphan credential discarded", "user_id", s.orphan.UserID)
	s.orphan = nil
	return nil
}

// PendingCredential reports the user ID of a credential without profile.
func (s *Store) PendingCredential() (domain.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orphan == nil {
		return "", false
	}
	return domain.UserID(s.orphan.UserID), true
}

func (s *Store) createProfile(ctx context.Context, credential contract.AuthSession, fields domain.ProfileFields) (domain.Identity, error) {
	row, err := s.tables.Insert(ctx, contract.TableProfiles, toProfileRecord(domain.UserID(credential.UserID), fields))
	if err != nil {
		s.log.Error("Profile creation failed", "user_id", credential.UserID, "error", err)
		s.orphan = &credential
		return domain.Identity{}, &ProfileCreationError{UserID: domain.UserID(credential.UserID), Err: err}
	}
	s.orphan = nil

	identity, err := toIdentity(row)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	s.log.Info("Signed up", "user_id", identity.ID, "role", identity.Role)
	s.replace(ctx, &identity, &credential)
	return identity, nil
}

// SignOut always clears the local session. A remote failure is still
// reported.
func (s *Store) SignOut(ctx context.Context) error {
	unlock, err := s.begin()
	if err != nil {
		return err
	}
	defer unlock()

	credential := s.credential
	s.settle(nil, nil)
	if credential == nil {
		return nil
	}
	if err = s.auth.Revoke(ctx, *credential); err != nil {
		s.log.Warn("Remote sign out failed, local session cleared anyway", "user_id", credential.UserID, "error", err)
		return fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	s.log.Info("Signed out", "user_id", credential.UserID)
	return nil
}

func (s *Store) loadIdentity(ctx context.Context, userID domain.UserID) (domain.Identity, error) {
	rows, err := s.tables.Select(ctx, contract.TableProfiles, contract.Query{
		Filters: []contract.Filter{contract.Eq("id", string(userID))},
		Limit:   1,
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	if len(rows) == 0 {
		return domain.Identity{}, fmt.Errorf("profile %s: %w", userID, errors.ErrNotFound)
	}
	identity, err := toIdentity(rows[0])
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrGateway, err)
	}
	return identity, nil
}
