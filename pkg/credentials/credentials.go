package credentials

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// argon2id parameters. 64 MiB memory keeps verification memory-hard without
// starving concurrent handlers.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16

	secretBytes = 32 // 256 bits of entropy per client secret

	// MaxGraceHours bounds the rotation grace period to one week.
	MaxGraceHours = 168

	// GrantTTL bounds how long a one-time retrieval grant stays redeemable.
	GrantTTL = 15 * time.Minute
)

// Manager verifies client credentials and performs secret rotation against
// the store.
type Manager struct {
	store storage.Store
	clk   clock.Clock
}

// NewManager creates a credential manager.
func NewManager(store storage.Store, clk clock.Clock) *Manager {
	return &Manager{store: store, clk: clk}
}

// GenerateSecret returns a fresh URL-safe client secret from the
// crypto/rand source.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret derives an argon2id hash with a per-secret salt, encoded in the
// standard $argon2id$ form.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifySecret checks a presented secret against an encoded hash. The final
// comparison is constant-time.
func VerifySecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ClientID renders the canonical client id for a scope.
func ClientID(orgID, appID string) string {
	if appID != "" {
		return fmt.Sprintf("org-%s-app-%s", orgID, appID)
	}
	return fmt.Sprintf("org-%s", orgID)
}

// ParseClientID splits a canonical client id into its (org, app) tuple. The
// org id is a UUID, so "-app-" cannot occur inside it.
func ParseClientID(clientID string) (orgID, appID string, err error) {
	if !strings.HasPrefix(clientID, "org-") {
		return "", "", fmt.Errorf("malformed client id %q", clientID)
	}
	rest := strings.TrimPrefix(clientID, "org-")
	if idx := strings.Index(rest, "-app-"); idx >= 0 {
		orgID, appID = rest[:idx], rest[idx+len("-app-"):]
	} else {
		orgID = rest
	}
	if orgID == "" {
		return "", "", fmt.Errorf("malformed client id %q", clientID)
	}
	return orgID, appID, nil
}

// Verify resolves a client id to its credential record and checks the
// presented secret against the current hash, then the previous hash while
// within the rotation grace period. Failures are indistinguishable to the
// caller.
func (m *Manager) Verify(ctx context.Context, clientID, presentedSecret string) (types.Subject, error) {
	invalid := apierr.Unauthorized("invalid client credentials")

	orgID, appID, err := ParseClientID(clientID)
	if err != nil {
		return types.Subject{}, invalid
	}

	record, err := m.lookup(ctx, orgID, appID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.Subject{}, invalid
		}
		return types.Subject{}, fmt.Errorf("load credential record: %w", err)
	}
	if record.ClientID != clientID {
		return types.Subject{}, invalid
	}

	// New hash first: the common case after rotation completes.
	if record.SecretHash != "" && VerifySecret(presentedSecret, record.SecretHash) {
		return types.Subject{ClientID: clientID, OrgID: orgID, AppID: appID}, nil
	}
	if record.OldSecretHash != "" && m.clk.Now().Unix() < record.GraceExpiresAtEpoch {
		if VerifySecret(presentedSecret, record.OldSecretHash) {
			return types.Subject{ClientID: clientID, OrgID: orgID, AppID: appID}, nil
		}
	}
	return types.Subject{}, invalid
}

func (m *Manager) lookup(ctx context.Context, orgID, appID string) (types.CredentialRecord, error) {
	if appID != "" {
		cfg, err := m.store.GetAppConfig(ctx, orgID, appID)
		if err != nil {
			return types.CredentialRecord{}, err
		}
		return cfg.Credentials, nil
	}
	cfg, err := m.store.GetOrgConfig(ctx, orgID)
	if err != nil {
		return types.CredentialRecord{}, err
	}
	return cfg.Credentials, nil
}

// Rotation is the result of a credential rotation. Secret is the raw new
// secret and is surfaced exactly once.
type Rotation struct {
	ClientID            string
	Secret              string
	RotatedAtEpoch      int64
	GraceExpiresAtEpoch int64
	GraceHours          int
}

// RotateOrg rotates an org's secret, keeping the old hash valid for
// graceHours.
func (m *Manager) RotateOrg(ctx context.Context, orgID string, graceHours int) (*Rotation, error) {
	rotation, apply, err := m.prepareRotation(ClientID(orgID, ""), graceHours)
	if err != nil {
		return nil, err
	}
	err = m.store.MutateOrgConfig(ctx, orgID, func(cfg *types.OrgConfig) error {
		apply(&cfg.Credentials)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.InvalidConfig(fmt.Sprintf("organization %s not found", orgID), map[string]any{"org_id": orgID})
		}
		return nil, fmt.Errorf("rotate org credentials: %w", err)
	}
	return rotation, nil
}

// RotateApp rotates an app's secret, keeping the old hash valid for
// graceHours.
func (m *Manager) RotateApp(ctx context.Context, orgID, appID string, graceHours int) (*Rotation, error) {
	rotation, apply, err := m.prepareRotation(ClientID(orgID, appID), graceHours)
	if err != nil {
		return nil, err
	}
	err = m.store.MutateAppConfig(ctx, orgID, appID, func(cfg *types.AppConfig) error {
		apply(&cfg.Credentials)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.InvalidConfig(
				fmt.Sprintf("application %s not found in organization %s", appID, orgID),
				map[string]any{"org_id": orgID, "app_id": appID})
		}
		return nil, fmt.Errorf("rotate app credentials: %w", err)
	}
	return rotation, nil
}

// GrantSecretRetrieval stores a one-time grant for a freshly rotated secret
// and returns its redemption token. The raw secret is persisted only inside
// the grant, which expires after GrantTTL.
func (m *Manager) GrantSecretRetrieval(ctx context.Context, clientID, secret string) (*types.SecretGrant, error) {
	now := m.clk.Now()
	grant := &types.SecretGrant{
		GrantID:        uuid.NewString(),
		ClientID:       clientID,
		Secret:         secret,
		CreatedAtEpoch: now.Unix(),
		ExpiresAtEpoch: now.Add(GrantTTL).Unix(),
	}
	if err := m.store.PutSecretGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("persist secret grant: %w", err)
	}
	return grant, nil
}

// RedeemSecretRetrieval exchanges a grant token for the stored secret exactly
// once. A replay surfaces as already-used; unknown or expired grants as
// not-found.
func (m *Manager) RedeemSecretRetrieval(ctx context.Context, grantID string) (*types.SecretGrant, error) {
	grant, err := m.store.ConsumeSecretGrant(ctx, grantID)
	switch {
	case errors.Is(err, storage.ErrGrantUsed):
		return nil, apierr.AlreadyUsed("secret retrieval token has already been used")
	case errors.Is(err, storage.ErrNotFound):
		return nil, apierr.NotFound("secret retrieval token is unknown or expired", nil)
	case err != nil:
		return nil, fmt.Errorf("redeem secret grant: %w", err)
	}
	return grant, nil
}

func (m *Manager) prepareRotation(clientID string, graceHours int) (*Rotation, func(*types.CredentialRecord), error) {
	if graceHours < 0 || graceHours > MaxGraceHours {
		return nil, nil, apierr.InvalidRequest(
			fmt.Sprintf("grace_period_hours must be between 0 and %d", MaxGraceHours),
			map[string]any{"grace_period_hours": graceHours})
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, nil, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, nil, err
	}

	now := m.clk.Now().Unix()
	graceExpires := now + int64(graceHours)*3600
	rotation := &Rotation{
		ClientID:            clientID,
		Secret:              secret,
		RotatedAtEpoch:      now,
		GraceExpiresAtEpoch: graceExpires,
		GraceHours:          graceHours,
	}
	apply := func(rec *types.CredentialRecord) {
		rec.OldSecretHash = rec.SecretHash
		rec.SecretHash = hash
		rec.GraceExpiresAtEpoch = graceExpires
		rec.SecretCreatedAtEpoch = now
	}
	return rotation, apply, nil
}
