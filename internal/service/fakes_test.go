package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/delivery"
	"identity-service/internal/identifier"
	"identity-service/internal/model"
	"identity-service/internal/repository"
)

// fakeStore is an in-memory stand-in for every repository interface plus
// the transactor and session store.
type fakeStore struct {
	mu          sync.Mutex
	identifiers map[uuid.UUID]*model.VerifiedIdentifier
	byHash      map[string]uuid.UUID
	users       map[uuid.UUID]*model.User
	challenges  map[uuid.UUID]*model.OtpChallenge
	creds       map[uuid.UUID]*model.TotpCredential
	proofs      []*model.ConsentProof
	scopes      map[string]*model.AuditScope
	accessLogs  []*model.AccessLog
	sessions    map[uuid.UUID]*model.AuthSession

	failMarkCompleted error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identifiers: make(map[uuid.UUID]*model.VerifiedIdentifier),
		byHash:      make(map[string]uuid.UUID),
		users:       make(map[uuid.UUID]*model.User),
		challenges:  make(map[uuid.UUID]*model.OtpChallenge),
		creds:       make(map[uuid.UUID]*model.TotpCredential),
		scopes:      make(map[string]*model.AuditScope),
		sessions:    make(map[uuid.UUID]*model.AuthSession),
	}
}

// WithinTransaction mirrors the pgx client: an error from the callback
// rolls every write inside it back.
func (s *fakeStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type storeSnapshot struct {
	identifiers map[uuid.UUID]*model.VerifiedIdentifier
	byHash      map[string]uuid.UUID
	users       map[uuid.UUID]*model.User
	challenges  map[uuid.UUID]*model.OtpChallenge
	creds       map[uuid.UUID]*model.TotpCredential
	proofs      []*model.ConsentProof
	scopes      map[string]*model.AuditScope
	accessLogs  []*model.AccessLog
	sessions    map[uuid.UUID]*model.AuthSession
}

func (s *fakeStore) snapshot() *storeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &storeSnapshot{
		identifiers: make(map[uuid.UUID]*model.VerifiedIdentifier, len(s.identifiers)),
		byHash:      make(map[string]uuid.UUID, len(s.byHash)),
		users:       make(map[uuid.UUID]*model.User, len(s.users)),
		challenges:  make(map[uuid.UUID]*model.OtpChallenge, len(s.challenges)),
		creds:       make(map[uuid.UUID]*model.TotpCredential, len(s.creds)),
		scopes:      make(map[string]*model.AuditScope, len(s.scopes)),
		sessions:    make(map[uuid.UUID]*model.AuthSession, len(s.sessions)),
		proofs:      append([]*model.ConsentProof(nil), s.proofs...),
		accessLogs:  append([]*model.AccessLog(nil), s.accessLogs...),
	}
	for k, v := range s.identifiers {
		cp := *v
		snap.identifiers[k] = &cp
	}
	for k, v := range s.byHash {
		snap.byHash[k] = v
	}
	for k, v := range s.users {
		cp := *v
		snap.users[k] = &cp
	}
	for k, v := range s.challenges {
		cp := *v
		snap.challenges[k] = &cp
	}
	for k, v := range s.creds {
		cp := *v
		snap.creds[k] = &cp
	}
	for k, v := range s.scopes {
		cp := *v
		snap.scopes[k] = &cp
	}
	for k, v := range s.sessions {
		cp := *v
		snap.sessions[k] = &cp
	}
	return snap
}

func (s *fakeStore) restore(snap *storeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identifiers = snap.identifiers
	s.byHash = snap.byHash
	s.users = snap.users
	s.challenges = snap.challenges
	s.creds = snap.creds
	s.proofs = snap.proofs
	s.scopes = snap.scopes
	s.accessLogs = snap.accessLogs
	s.sessions = snap.sessions
}

func hashKey(kind identifier.Kind, valueHash string) string {
	return string(kind) + "|" + valueHash
}

func (s *fakeStore) GetOrCreate(_ context.Context, kind identifier.Kind, valueHash, valueMasked string) (*model.VerifiedIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[hashKey(kind, valueHash)]; ok {
		existing := s.identifiers[id]
		existing.ValueMasked = valueMasked
		existing.UpdatedAt = time.Now().UTC()
		cp := *existing
		return &cp, nil
	}
	now := time.Now().UTC()
	ident := &model.VerifiedIdentifier{
		ID: uuid.New(), Kind: kind, ValueHash: valueHash, ValueMasked: valueMasked,
		CreatedAt: now, UpdatedAt: now,
	}
	s.identifiers[ident.ID] = ident
	s.byHash[hashKey(kind, valueHash)] = ident.ID
	cp := *ident
	return &cp, nil
}

func (s *fakeStore) FindByHash(_ context.Context, kind identifier.Kind, valueHash string) (*model.VerifiedIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hashKey(kind, valueHash)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s.identifiers[id]
	return &cp, nil
}

func (s *fakeStore) FindByID(_ context.Context, id uuid.UUID) (*model.VerifiedIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identifiers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s *fakeStore) BindToUser(_ context.Context, id, userID uuid.UUID, verifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identifiers[id]
	if !ok {
		return repository.ErrNotFound
	}
	if ident.UserID != nil && *ident.UserID != userID {
		return repository.ErrDuplicate
	}
	ident.UserID = &userID
	if ident.VerifiedAt == nil {
		t := verifiedAt
		ident.VerifiedAt = &t
	}
	ident.UpdatedAt = verifiedAt
	return nil
}

func (s *fakeStore) Create(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *fakeStore) findUser(id uuid.UUID) (*model.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *fakeStore) FindByIDUser(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(id)
}

func (s *fakeStore) FindByIDForUpdate(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(id)
}

func (s *fakeStore) SetPassword(_ context.Context, id uuid.UUID, hash, salt string, setAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.PasswordHash = &hash
	user.PasswordSalt = &salt
	user.PasswordSetAt = &setAt
	return nil
}

func (s *fakeStore) TouchLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.LastLoginAt = &at
	return nil
}

// userRepo adapts fakeStore to repository.UserRepository (FindByID clashes
// with the identifier method).
type userRepo struct{ *fakeStore }

func (r userRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.FindByIDUser(ctx, id)
}

type challengeRepo struct{ *fakeStore }

func (r challengeRepo) Create(_ context.Context, ch *model.OtpChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ch
	r.challenges[ch.ID] = &cp
	return nil
}

func (r challengeRepo) FindByID(_ context.Context, id uuid.UUID) (*model.OtpChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (r challengeRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.OtpChallenge, error) {
	return r.FindByID(ctx, id)
}

func (r challengeRepo) IncrementAttempts(_ context.Context, id uuid.UUID, prevAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[id]
	if !ok || ch.Attempts != prevAttempts || ch.Status != model.ChallengePending {
		return repository.ErrStaleCounter
	}
	ch.Attempts++
	return nil
}

func (r challengeRepo) SetStatus(_ context.Context, id uuid.UUID, status model.ChallengeStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[id]
	if !ok {
		return repository.ErrNotFound
	}
	ch.Status = status
	if status == model.ChallengeVerified {
		t := at
		ch.VerifiedAt = &t
	}
	return nil
}

func (r challengeRepo) ExpirePending(_ context.Context, identifierID uuid.UUID, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.challenges {
		if ch.IdentifierID == identifierID && ch.Status == model.ChallengePending && ch.CreatedAt.Before(before) {
			ch.Status = model.ChallengeExpired
		}
	}
	return nil
}

type totpRepo struct{ *fakeStore }

func (r totpRepo) Create(_ context.Context, cred *model.TotpCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cred
	r.creds[cred.ID] = &cp
	return nil
}

func (r totpRepo) FindByID(_ context.Context, id uuid.UUID) (*model.TotpCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (r totpRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.TotpCredential, error) {
	return r.FindByID(ctx, id)
}

func (r totpRepo) findByStatus(identifierID uuid.UUID, status model.TotpStatus) (*model.TotpCredential, error) {
	var latest *model.TotpCredential
	for _, cred := range r.creds {
		if cred.IdentifierID != identifierID || cred.Status != status {
			continue
		}
		if latest == nil || cred.CreatedAt.After(latest.CreatedAt) {
			latest = cred
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r totpRepo) FindActiveByIdentifier(_ context.Context, identifierID uuid.UUID) (*model.TotpCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByStatus(identifierID, model.TotpActive)
}

func (r totpRepo) Activate(_ context.Context, id uuid.UUID, lastUsedStep int64, verifiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok || cred.Status != model.TotpPending {
		return repository.ErrNotFound
	}
	cred.Status = model.TotpActive
	step := lastUsedStep
	cred.LastUsedStep = &step
	t := verifiedAt
	cred.VerifiedAt = &t
	cred.FailedAttempts = 0
	cred.LockedUntil = nil
	return nil
}

func (r totpRepo) RecordFailure(_ context.Context, id uuid.UUID, prevFailed, newFailed int, lockedUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok || cred.FailedAttempts != prevFailed {
		return repository.ErrStaleCounter
	}
	cred.FailedAttempts = newFailed
	cred.LockedUntil = lockedUntil
	return nil
}

func (r totpRepo) RecordSuccess(_ context.Context, id uuid.UUID, lastUsedStep int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok {
		return repository.ErrNotFound
	}
	step := lastUsedStep
	cred.LastUsedStep = &step
	cred.FailedAttempts = 0
	cred.LockedUntil = nil
	return nil
}

func (r totpRepo) DisablePending(_ context.Context, identifierID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.creds {
		if cred.IdentifierID == identifierID && cred.Status == model.TotpPending {
			cred.Status = model.TotpDisabled
		}
	}
	return nil
}

func scopeKey(userID, identifierID uuid.UUID) string {
	return userID.String() + "|" + identifierID.String()
}

func (s *fakeStore) CreateConsentProof(_ context.Context, proof *model.ConsentProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *proof
	s.proofs = append(s.proofs, &cp)
	return nil
}

func (s *fakeStore) UpsertAuditScope(_ context.Context, scope *model.AuditScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(scope.UserID, scope.IdentifierID)
	if existing, ok := s.scopes[key]; ok {
		existing.Status = scope.Status
		existing.RevokedAt = nil
		return nil
	}
	cp := *scope
	s.scopes[key] = &cp
	return nil
}

func (s *fakeStore) CreateAccessLog(_ context.Context, entry *model.AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.accessLogs = append(s.accessLogs, &cp)
	return nil
}

func (s *fakeStore) Save(_ context.Context, session *model.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *fakeStore) Find(_ context.Context, id uuid.UUID) (*model.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMarkCompleted != nil {
		return s.failMarkCompleted
	}
	session, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	session.Status = model.SessionCompleted
	t := at
	session.CompletedAt = &t
	return nil
}

type fakeLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{entries: make(map[string][]time.Time)}
}

func (l *fakeLimiter) CountRequests(_ context.Context, key string, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-window)
	kept := l.entries[key][:0]
	for _, t := range l.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.entries[key] = kept
	return len(kept), nil
}

func (l *fakeLimiter) RecordRequest(_ context.Context, key string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = append(l.entries[key], time.Now())
	return nil
}

type sentMessage struct {
	channel     identifier.Channel
	destination string
	code        string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	failWith error
	echo     bool
}

func (s *fakeSender) Send(_ context.Context, channel identifier.Channel, destination, code string) (*delivery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.sent = append(s.sent, sentMessage{channel: channel, destination: destination, code: code})
	res := &delivery.Result{Provider: "test"}
	if s.echo {
		res.DebugCode = code
	}
	return res, nil
}
