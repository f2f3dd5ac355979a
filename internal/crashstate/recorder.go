package crashstate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/flock"
	"golang.org/x/crypto/hkdf"

	"caseflow/internal/config"
	"caseflow/internal/fileutil"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/services"
)

// Version is the snapshot schema version written by this package.
const Version = 1

const (
	keySize      = 32
	keyInfo      = "caseflow crash-state v1"
	clockSkew    = time.Minute
	lockInterval = 25 * time.Millisecond
)

var (
	// ErrMACMismatch means the snapshot was not produced with this deployment's key.
	ErrMACMismatch = fmt.Errorf("%w: crash state mac mismatch", services.ErrIntegrity)
	// ErrSchema means the snapshot is malformed or has an unknown shape.
	ErrSchema = fmt.Errorf("%w: crash state schema invalid", services.ErrIntegrity)
	// ErrExpired means the snapshot is older than the allowed age or dated in the future.
	ErrExpired = fmt.Errorf("%w: crash state expired", services.ErrIntegrity)
	// ErrSlotInUse means another live process already owns the recorder name.
	ErrSlotInUse = fmt.Errorf("%w: crash state slot is owned by a running worker", services.ErrConfiguration)
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Context describes the operation that was in flight.
type Context struct {
	Origin    string
	Operation string
	Err       error
	Session   map[string]string
}

// State is a verified snapshot.
type State struct {
	Version   int               `json:"version" validate:"eq=1"`
	Timestamp time.Time         `json:"timestamp" validate:"required"`
	Error     string            `json:"error,omitempty" validate:"max=4096"`
	Origin    string            `json:"origin" validate:"required,max=256"`
	Operation string            `json:"operation,omitempty" validate:"max=256"`
	Session   map[string]string `json:"session,omitempty" validate:"omitempty,max=64,dive,keys,required,max=128,endkeys,max=1024"`
}

// Recorder signs, persists, and verifies snapshots for one named worker.
type Recorder struct {
	key      *memguard.Enclave
	name     string
	dir      string
	maxAge   time.Duration
	logger   *slog.Logger
	validate *validator.Validate
	fileLock *flock.Flock
	fileMu   sync.Mutex
	owner    *flock.Flock

	mu    sync.Mutex
	clock func() time.Time
}

// NewRecorder derives the signing key from the configured secret. Snapshots
// are persisted under <stateDir>/crash/<name>.state.
func NewRecorder(cfg config.Crash, stateDir, name string, logger *slog.Logger) (*Recorder, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, services.Wrap(services.ErrConfiguration, "crashstate", "init", "crash.secret is not set", nil)
	}
	if !namePattern.MatchString(name) {
		return nil, services.Wrap(services.ErrConfiguration, "crashstate", "init",
			fmt.Sprintf("invalid recorder name %q", name), nil)
	}
	if strings.TrimSpace(stateDir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "crashstate", "init", "state directory is required", nil)
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(cfg.DeploymentID), []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive crash state key: %w", err)
	}

	maxAge := time.Duration(cfg.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	dir := filepath.Join(stateDir, "crash")
	return &Recorder{
		// NewEnclave wipes key.
		key:      memguard.NewEnclave(key),
		name:     name,
		dir:      dir,
		maxAge:   maxAge,
		logger:   logging.NewComponentLogger(logger, "crashstate"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		fileLock: flock.New(filepath.Join(dir, name+".lock")),
		owner:    flock.New(filepath.Join(dir, name+".owner")),
		clock:    time.Now,
	}, nil
}

// SetClock overrides the time source.
func (r *Recorder) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if clock == nil {
		clock = time.Now
	}
	r.clock = clock
}

func (r *Recorder) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock().UTC()
}

// Path returns the persisted snapshot location.
func (r *Recorder) Path() string {
	return filepath.Join(r.dir, r.name+".state")
}

// Sign builds a signed token from c without persisting it.
func (r *Recorder) Sign(c Context) (string, error) {
	state := State{
		Version:   Version,
		Timestamp: r.now(),
		Origin:    truncate(strings.TrimSpace(c.Origin), 256),
		Operation: truncate(strings.TrimSpace(c.Operation), 256),
		Session:   Redact(c.Session),
	}
	if c.Err != nil {
		state.Error = scrub(c.Err.Error())
	}
	if state.Origin == "" {
		state.Origin = r.name
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode crash state: %w", err)
	}
	mac, err := r.mac(payload)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(mac), nil
}

// Snapshot signs c and persists the token atomically.
func (r *Recorder) Snapshot(ctx context.Context, c Context) (string, error) {
	token, err := r.Sign(c)
	if err != nil {
		return "", err
	}
	err = r.withFileLock(ctx, func() error {
		return fileutil.WriteFileAtomic(r.Path(), []byte(token), 0o600)
	})
	if err != nil {
		return "", fmt.Errorf("persist crash state: %w", err)
	}
	r.logger.Info("crash state recorded",
		logging.String(logging.FieldEventType, "crash_state_recorded"),
		logging.String("origin", c.Origin),
		logging.String("operation", c.Operation),
	)
	return token, nil
}

// Verify checks token and returns the state or the integrity error that
// rejected it.
func (r *Recorder) Verify(token string) (State, error) {
	payloadPart, macPart, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || payloadPart == "" || macPart == "" {
		return State{}, fmt.Errorf("%w: token format", ErrSchema)
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return State{}, fmt.Errorf("%w: payload encoding", ErrSchema)
	}
	got, err := enc.DecodeString(macPart)
	if err != nil {
		return State{}, fmt.Errorf("%w: mac encoding", ErrSchema)
	}

	want, err := r.mac(payload)
	if err != nil {
		return State{}, err
	}
	if !hmac.Equal(got, want) {
		return State{}, ErrMACMismatch
	}

	var state State
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := r.validate.Struct(state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	now := r.now()
	if age := now.Sub(state.Timestamp); age > r.maxAge {
		return State{}, fmt.Errorf("%w: age %s exceeds %s", ErrExpired, age.Round(time.Second), r.maxAge)
	}
	if state.Timestamp.After(now.Add(clockSkew)) {
		return State{}, fmt.Errorf("%w: timestamp in the future", ErrExpired)
	}
	return state, nil
}

// Recover verifies token. Any failed check discards the snapshot; the
// failing check is logged and counted.
func (r *Recorder) Recover(ctx context.Context, token string) (State, bool) {
	logger := logging.WithContext(ctx, r.logger)
	state, err := r.Verify(token)
	if err != nil {
		outcome := outcomeFor(err)
		metrics.CrashRecoveries.WithLabelValues(outcome).Inc()
		logging.WarnWithContext(logger, "crash state discarded", "crash_state_rejected",
			logging.String("check", outcome),
			logging.Error(err),
			logging.String(logging.FieldImpact, "recovery skipped; work restarts from queue state"),
			logging.String(logging.FieldErrorHint, "check crash.secret and host clock if this repeats"),
		)
		return State{}, false
	}
	metrics.CrashRecoveries.WithLabelValues("recovered").Inc()
	logger.Info("crash state recovered",
		logging.String(logging.FieldEventType, "crash_state_recovered"),
		logging.String("origin", state.Origin),
		logging.String("operation", state.Operation),
		logging.String("error", state.Error),
	)
	return state, true
}

// RecoverPersisted reads and verifies the persisted snapshot, then clears it
// whatever the outcome. A missing snapshot is not an error.
func (r *Recorder) RecoverPersisted(ctx context.Context) (State, bool, error) {
	var raw []byte
	err := r.withFileLock(ctx, func() error {
		data, err := os.ReadFile(r.Path())
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = data
		return fileutil.RemoveIfExists(r.Path())
	})
	if err != nil {
		return State{}, false, fmt.Errorf("read crash state: %w", err)
	}
	if raw == nil {
		metrics.CrashRecoveries.WithLabelValues("absent").Inc()
		return State{}, false, nil
	}
	state, ok := r.Recover(ctx, string(raw))
	return state, ok, nil
}

// Claim takes exclusive ownership of the recorder name for the life of the
// caller. A second claimant, in this or any other process, gets ErrSlotInUse
// until Release. Only the owner should recover persisted state.
func (r *Recorder) Claim() error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("claim crash state slot: %w", err)
	}
	locked, err := r.owner.TryLock()
	if err != nil {
		return fmt.Errorf("claim crash state slot: %w", err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", r.name, ErrSlotInUse)
	}
	return nil
}

// Release gives up ownership taken by Claim.
func (r *Recorder) Release() error {
	return r.owner.Unlock()
}

// Clear removes the persisted snapshot.
func (r *Recorder) Clear(ctx context.Context) error {
	return r.withFileLock(ctx, func() error {
		return fileutil.RemoveIfExists(r.Path())
	})
}

func (r *Recorder) mac(payload []byte) ([]byte, error) {
	buf, err := r.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open crash state key: %w", err)
	}
	defer buf.Destroy()
	h := hmac.New(sha256.New, buf.Bytes())
	h.Write(payload)
	return h.Sum(nil), nil
}

func (r *Recorder) withFileLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	locked, err := r.fileLock.TryLockContext(ctx, lockInterval)
	if err != nil {
		return fmt.Errorf("lock crash state: %w", err)
	}
	if !locked {
		return errors.New("crash state is locked by another process")
	}
	defer func() {
		_ = r.fileLock.Unlock()
	}()
	return fn()
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrMACMismatch):
		return "mac_mismatch"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrSchema):
		return "schema"
	default:
		return "error"
	}
}
