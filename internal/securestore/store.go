package securestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// recordVersion tags envelopes that carry an integrity checksum.
	// Records with an older or missing version are legacy-format and are
	// returned without verification.
	recordVersion = "2"

	// encPrefix marks encrypted payloads on the sink. Plaintext envelopes
	// are raw JSON and never start with this byte sequence.
	encPrefix = "enc:v2:"

	// saltKey is the sink key holding the argon2 salt for passphrase-derived
	// encryption keys. The salt is not secret.
	saltKey = "meta.salt"

	saltSize = 16
)

// Record is the persisted envelope around a stored value.
type Record struct {
	Data      json.RawMessage `json:"data"`
	DataType  string          `json:"data_type,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version,omitempty"`
	Checksum  string          `json:"checksum,omitempty"`
}

// StorageError reports an unrecoverable write failure. Losing a credential
// write silently would be unsafe, so Store surfaces these to the caller.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storing record %q: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StoreOptions control how a single record is written.
type StoreOptions struct {
	// DataType is a free-form tag describing the payload, recorded in the
	// envelope for debuggability.
	DataType string

	// Encrypt requests an encrypted envelope. Silently ignored when no
	// encryption key source is available.
	Encrypt bool
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces all record keys. Defaults to "apilink.".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithStaticKey derives the encryption key from a configured passphrase
// instead of the device keyring.
func WithStaticKey(passphrase string) Option {
	return func(s *Store) {
		s.passphrase = passphrase
	}
}

// WithKeyringService sets the keyring service name holding the device key.
func WithKeyringService(service string) Option {
	return func(s *Store) {
		s.keyringService = service
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store wraps a Sink with envelope versioning, integrity checksums, and
// optional encryption.
type Store struct {
	sink           Sink
	prefix         string
	passphrase     string
	keyringService string
	logger         *slog.Logger
	now            func() time.Time

	// Cipher initialization may hit the keyring or generate a salt, so it is
	// deferred to the first record that asks for encryption.
	box func() (*cipherBox, error)
}

// New creates a Store over the given sink. No key-source I/O is performed
// until the first encrypted write or encrypted read.
func New(sink Sink, opts ...Option) (*Store, error) {
	if sink == nil {
		return nil, fmt.Errorf("missing sink")
	}

	s := &Store{
		sink:           sink,
		prefix:         "apilink.",
		keyringService: "apilink",
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.box = sync.OnceValues(s.createCipherBox)

	return s, nil
}

// createCipherBox performs one-time initialization of the encryption key.
func (s *Store) createCipherBox() (*cipherBox, error) {
	if s.passphrase != "" {
		salt, err := s.loadOrCreateSalt()
		if err != nil {
			return nil, fmt.Errorf("initializing key salt: %w", err)
		}
		return newCipherBox(deriveKey([]byte(s.passphrase), salt))
	}

	key, err := deviceKey(s.keyringService)
	if err != nil {
		return nil, fmt.Errorf("obtaining device key: %w", err)
	}
	return newCipherBox(key)
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	ctx := context.Background()

	data, err := s.sink.Read(ctx, s.prefix+saltKey)
	if err == nil {
		salt, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr == nil && len(salt) == saltSize {
			return salt, nil
		}
		// Unusable salt record, regenerate below
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := s.sink.Write(ctx, s.prefix+saltKey, []byte(hex.EncodeToString(salt))); err != nil {
		return nil, err
	}
	return salt, nil
}

// checksum returns the hex sha256 digest of the payload bytes.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store writes value under key, wrapped in a checksummed envelope.
// Returns *StorageError on unrecoverable write failure.
func (s *Store) Store(ctx context.Context, key string, value any, opts StoreOptions) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return &StorageError{Key: key, Err: fmt.Errorf("encoding payload: %w", err)}
	}

	record := Record{
		Data:      payload,
		DataType:  opts.DataType,
		Timestamp: s.now().UnixMilli(),
		Version:   recordVersion,
		Checksum:  checksum(payload),
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return &StorageError{Key: key, Err: fmt.Errorf("encoding envelope: %w", err)}
	}

	if opts.Encrypt {
		if box, boxErr := s.box(); boxErr == nil {
			sealed, sealErr := box.seal(raw)
			if sealErr != nil {
				return &StorageError{Key: key, Err: fmt.Errorf("encrypting envelope: %w", sealErr)}
			}
			raw = []byte(encPrefix + base64.StdEncoding.EncodeToString(sealed))
		} else {
			// No usable key source. Fall back to plaintext rather than losing
			// the write; the checksum still guards integrity.
			s.logger.WarnContext(ctx, "encryption unavailable, storing plaintext envelope",
				"key", key, "error", boxErr)
		}
	}

	if err := s.sink.Write(ctx, s.prefix+key, raw); err != nil {
		return &StorageError{Key: key, Err: err}
	}
	return nil
}

// Get reads the record for key into dest. Returns false when no usable record
// exists: absent, corrupted, undecryptable, or failing its integrity check.
// Corrupted records are deleted so that subsequent reads are clean misses.
// Read failures never propagate as errors (only context cancellation does).
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.sink.Read(ctx, s.prefix+key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.WarnContext(ctx, "unreadable record treated as absent", "key", key, "error", err)
		}
		return false, nil
	}

	if strings.HasPrefix(string(raw), encPrefix) {
		raw, err = s.decrypt(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "undecryptable record deleted", "key", key, "error", err)
			s.deleteQuietly(ctx, key)
			return false, nil
		}
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		s.logger.WarnContext(ctx, "malformed record deleted", "key", key, "error", err)
		s.deleteQuietly(ctx, key)
		return false, nil
	}

	if record.Version == recordVersion {
		if checksum(record.Data) != record.Checksum {
			s.logger.WarnContext(ctx, "integrity check failed, record deleted", "key", key)
			s.deleteQuietly(ctx, key)
			return false, nil
		}
	}
	// Legacy records (no version / pre-checksum) pass through unverified.

	if dest != nil {
		if err := json.Unmarshal(record.Data, dest); err != nil {
			s.logger.WarnContext(ctx, "undecodable payload treated as absent", "key", key, "error", err)
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) decrypt(raw []byte) ([]byte, error) {
	box, err := s.box()
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(string(raw), encPrefix))
	if err != nil {
		return nil, err
	}
	return box.open(sealed)
}

// Remove deletes the record for key. Best-effort: failures are logged, never
// propagated, since secret removal must not block logout.
func (s *Store) Remove(ctx context.Context, key string) {
	s.deleteQuietly(ctx, key)
}

func (s *Store) deleteQuietly(ctx context.Context, key string) {
	if err := s.sink.Delete(ctx, s.prefix+key); err != nil {
		s.logger.WarnContext(ctx, "failed to delete record", "key", key, "error", err)
	}
}

// ClearAll removes every record under the store's prefix. Used for full
// session wipes. Best-effort per record.
//
// The key salt is spared: the initialized cipher keeps encrypting with the
// salt-derived key, so deleting the salt would make every write after the
// wipe undecryptable on the next start.
func (s *Store) ClearAll(ctx context.Context) {
	keys, err := s.sink.List(ctx, s.prefix)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to enumerate records for wipe", "error", err)
		return
	}
	for _, full := range keys {
		if full == s.prefix+saltKey {
			continue
		}
		if err := s.sink.Delete(ctx, full); err != nil {
			s.logger.WarnContext(ctx, "failed to delete record", "key", full, "error", err)
		}
	}
}

// MigrateLegacy moves a record stored under an old unprefixed key to its
// namespaced location: read, rewrite, then best-effort delete of the old key.
// Reports whether a migration happened.
func (s *Store) MigrateLegacy(ctx context.Context, legacyKey, key string) (bool, error) {
	raw, err := s.sink.Read(ctx, legacyKey)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}

	if !json.Valid(raw) {
		// An unusable legacy blob is a miss, not an error.
		s.logger.WarnContext(ctx, "legacy record is not valid JSON, skipping migration", "key", legacyKey)
		return false, nil
	}

	// Legacy records may be a bare payload rather than an envelope. Wrap them
	// so the rewrite gains integrity metadata.
	var record Record
	if unmarshalErr := json.Unmarshal(raw, &record); unmarshalErr != nil || record.Data == nil {
		record = Record{Data: raw}
	}
	record.Timestamp = s.now().UnixMilli()
	record.Version = recordVersion
	record.Checksum = checksum(record.Data)

	out, err := json.Marshal(record)
	if err != nil {
		return false, &StorageError{Key: key, Err: err}
	}
	if err := s.sink.Write(ctx, s.prefix+key, out); err != nil {
		return false, &StorageError{Key: key, Err: err}
	}

	if err := s.sink.Delete(ctx, legacyKey); err != nil {
		s.logger.WarnContext(ctx, "failed to delete legacy record", "key", legacyKey, "error", err)
	}
	return true, nil
}
