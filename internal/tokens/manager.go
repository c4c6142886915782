package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mberan/apilink/internal/securestore"
)

const (
	// DefaultRefreshLookahead is how far before expiry a token counts as
	// expiring-soon and becomes eligible for proactive refresh.
	DefaultRefreshLookahead = 5 * time.Minute

	// Storage keys, namespaced by the credential store's prefix.
	tokensKey  = "auth_tokens"
	sessionKey = "session_data"

	// legacyTokensKey is the unprefixed key older installations wrote to.
	// Migrated on demand during GetTokens.
	legacyTokensKey = "auth_tokens"

	// refreshGroupKey collapses all concurrent refresh calls onto one flight.
	refreshGroupKey = "refresh"
)

// RefreshFunc exchanges a refresh token for a new pair against the backend.
// Supplied at construction so the manager never depends on the HTTP layer.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenPair, error)

// Session is the auxiliary per-login record stored next to the tokens.
type Session struct {
	ID        string `json:"id"`
	StartedAt int64  `json:"startedAt"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLookahead overrides the proactive refresh window.
func WithLookahead(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.lookahead = d
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is the exclusive owner of the token slot. All reads go through an
// in-memory cache backed by the credential store; all refreshes are collapsed
// into a single flight.
type Manager struct {
	store     *securestore.Store
	refresh   RefreshFunc
	lookahead time.Duration
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	cached   *TokenPair
	haveRead bool
}

// NewManager creates a Manager over the given credential store. The refresh
// function performs the actual network exchange; the manager owns
// persistence, expiry bookkeeping, and refresh concurrency.
func NewManager(store *securestore.Store, refresh RefreshFunc, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	if refresh == nil {
		return nil, fmt.Errorf("missing refresh function")
	}

	m := &Manager{
		store:     store,
		refresh:   refresh,
		lookahead: DefaultRefreshLookahead,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GetTokens returns the current pair, or nil when absent. Expiry is lazy:
// an expired record is cleared on read, there are no background timers.
func (m *Manager) GetTokens(ctx context.Context) (*TokenPair, error) {
	pair, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, nil
	}

	if pair.Expired(m.now()) {
		m.logger.DebugContext(ctx, "stored tokens expired, clearing")
		m.ClearTokens(ctx)
		return nil, nil
	}

	copied := *pair
	return &copied, nil
}

// load reads through the in-memory cache, consulting the store (and legacy
// key migration) only once per process until invalidated.
func (m *Manager) load(ctx context.Context) (*TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haveRead {
		return m.cached, nil
	}

	var pair TokenPair
	found, err := m.store.Get(ctx, tokensKey, &pair)
	if err != nil {
		return nil, err
	}
	if !found {
		// Older installations stored tokens under an unprefixed key.
		migrated, migErr := m.store.MigrateLegacy(ctx, legacyTokensKey, tokensKey)
		if migErr != nil {
			return nil, migErr
		}
		if migrated {
			found, err = m.store.Get(ctx, tokensKey, &pair)
			if err != nil {
				return nil, err
			}
		}
	}

	m.haveRead = true
	if found {
		m.cached = &pair
	}
	return m.cached, nil
}

// SetTokens persists a new pair and replaces the in-memory slot. Pairs are
// only ever replaced whole, never field-edited.
func (m *Manager) SetTokens(ctx context.Context, pair *TokenPair) error {
	if pair == nil {
		return fmt.Errorf("nil token pair")
	}

	stored := *pair
	stored.StoredAt = m.now().UnixMilli()

	err := m.store.Store(ctx, tokensKey, &stored, securestore.StoreOptions{
		DataType: "auth_tokens",
		Encrypt:  true,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cached = &stored
	m.haveRead = true
	m.mu.Unlock()
	return nil
}

// ClearTokens removes the pair from storage and memory. Best-effort on the
// storage side; the in-memory slot is always cleared.
func (m *Manager) ClearTokens(ctx context.Context) {
	m.mu.Lock()
	m.cached = nil
	m.haveRead = true
	m.mu.Unlock()

	m.store.Remove(ctx, tokensKey)
}

// IsAuthenticated reports whether a non-expired pair with an access token
// is available.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	pair, err := m.GetTokens(ctx)
	return err == nil && pair != nil && pair.AccessToken != ""
}

// ShouldRefreshToken reports whether the current pair is inside the
// proactive refresh window (or carries no expiry at all).
func (m *Manager) ShouldRefreshToken(ctx context.Context) bool {
	pair, err := m.load(ctx)
	if err != nil || pair == nil {
		return false
	}
	return pair.ShouldRefresh(m.now(), m.lookahead)
}

// ValidateToken returns a structured diagnosis of the current slot.
func (m *Manager) ValidateToken(ctx context.Context) ValidationResult {
	pair, err := m.load(ctx)
	if err != nil {
		return ValidationResult{Reason: ReasonValidationError}
	}
	switch {
	case pair == nil:
		return ValidationResult{Reason: ReasonNoTokens}
	case pair.AccessToken == "":
		return ValidationResult{Reason: ReasonInvalidAccess}
	case pair.ExpiresAt == 0:
		return ValidationResult{Reason: ReasonMissingExpiration}
	case pair.Expired(m.now()):
		return ValidationResult{Reason: ReasonExpired}
	default:
		copied := *pair
		return ValidationResult{Valid: true, Reason: ReasonValid, Pair: &copied}
	}
}

// RefreshAccessToken exchanges the refresh token for a new pair. The
// operation is single-flight: while one refresh is in progress every caller
// receives that flight's result, so the backend sees at most one refresh
// call no matter how many requests hit 401 together.
//
// On any failure (missing refresh token, network error, malformed response)
// all tokens are cleared and a nil pair is returned rather than an error,
// signaling that the user must re-authenticate. Only credential-store write
// failures propagate as errors.
func (m *Manager) RefreshAccessToken(ctx context.Context) (*TokenPair, error) {
	result, err, shared := m.group.Do(refreshGroupKey, func() (any, error) {
		return m.doRefresh(ctx)
	})
	if shared {
		m.logger.DebugContext(ctx, "refresh joined in-flight operation")
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	pair := result.(*TokenPair)
	if pair == nil {
		return nil, nil
	}
	copied := *pair
	return &copied, nil
}

func (m *Manager) doRefresh(ctx context.Context) (*TokenPair, error) {
	current, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		m.logger.InfoContext(ctx, "no refresh token available, clearing session")
		m.ClearTokens(ctx)
		return nil, nil
	}

	fresh, err := m.refresh(ctx, current.RefreshToken)
	if err != nil || fresh == nil || fresh.AccessToken == "" {
		m.logger.WarnContext(ctx, "token refresh failed, clearing session", "error", err)
		m.ClearTokens(ctx)
		return nil, nil
	}

	if err := m.SetTokens(ctx, fresh); err != nil {
		// Persist failure is data loss for the refresh token: surface it.
		return nil, err
	}

	m.logger.InfoContext(ctx, "access token refreshed")
	return fresh, nil
}

// StartSession stores a fresh auxiliary session record. Best-effort.
func (m *Manager) StartSession(ctx context.Context) *Session {
	session := &Session{
		ID:        uuid.NewString(),
		StartedAt: m.now().UnixMilli(),
	}
	err := m.store.Store(ctx, sessionKey, session, securestore.StoreOptions{
		DataType: "session_data",
		Encrypt:  false,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to store session record", "error", err)
	}
	return session
}

// CurrentSession returns the stored session record, or nil.
func (m *Manager) CurrentSession(ctx context.Context) *Session {
	var session Session
	found, err := m.store.Get(ctx, sessionKey, &session)
	if err != nil || !found {
		return nil
	}
	return &session
}

// InvalidateSession clears the tokens and the auxiliary session record.
// Logout must be unconditionally effective, so nothing here can fail from
// the caller's perspective.
func (m *Manager) InvalidateSession(ctx context.Context) {
	m.ClearTokens(ctx)
	m.store.Remove(ctx, sessionKey)
}
