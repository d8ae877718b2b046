// Package capability issues and verifies the short-lived signed tokens a
// worker presents on every privileged dispatcher call. Each token binds to
// exactly one (task_id, attempt); verification is stateless and keyed by a
// current/next HMAC secret pair, the same JWT-over-HMAC shape the teacher
// uses for its own access tokens (internal/auth/adapters/jwt_tokens.go),
// generalized from a user session to a task fence.
package capability

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Config holds the issuer's signing parameters (§4.2). Next is optional;
// when set, tokens signed under either kid verify successfully, giving
// operators a rotation window.
type Config struct {
	Issuer   string
	Audience string
	Current  Key
	Next     *Key
	TTL      time.Duration
}

// Key is one (kid, secret) signing key.
type Key struct {
	KID    string
	Secret []byte
}

// Grants are the dataset/storage scopes embedded into an issued token.
type Grants struct {
	Datasets []string
	Storage  []string
}

// Claims is the capability's claim body (§3).
type Claims struct {
	jwt.RegisteredClaims
	OrgID    string   `json:"org_id"`
	TaskID   string   `json:"task_id"`
	Attempt  int      `json:"attempt"`
	Datasets []string `json:"datasets,omitempty"`
	Storage  []string `json:"storage,omitempty"`
}

// Issuer signs capability tokens.
type Issuer struct {
	cfg Config
}

// NewIssuer constructs an Issuer from cfg.
func NewIssuer(cfg Config) *Issuer {
	return &Issuer{cfg: cfg}
}

// Issue mints a token bound to (taskID, attempt) for orgID, carrying grants.
func (i *Issuer) Issue(orgID string, taskID uuid.UUID, attempt int, grants Grants) (string, error) {
	nowT := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			Subject:   "task:" + taskID.String(),
			IssuedAt:  jwt.NewNumericDate(nowT),
			ExpiresAt: jwt.NewNumericDate(nowT.Add(i.cfg.TTL)),
		},
		OrgID:    orgID,
		TaskID:   taskID.String(),
		Attempt:  attempt,
		Datasets: grants.Datasets,
		Storage:  grants.Storage,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = i.cfg.Current.KID

	signed, err := token.SignedString(i.cfg.Current.Secret)
	if err != nil {
		return "", fmt.Errorf("sign capability token: %w", err)
	}
	return signed, nil
}

// ErrUnauthorized marks a token that fails to parse, verify its signature,
// or pass issuer/audience/expiry checks. Every such failure is reported
// uniformly, per §4.2.
var ErrUnauthorized = errors.New("capability: unauthorized")

// ErrForbidden marks a token that verified but does not bind to the
// request it accompanies.
var ErrForbidden = errors.New("capability: forbidden")

// Verifier checks capability tokens against the current/next key set.
type Verifier struct {
	cfg Config
}

// NewVerifier constructs a Verifier from cfg. The same Config drives both
// Issuer and Verifier in a single-process deployment; they are split into
// two types because only the dispatcher's write path needs to sign, while
// every privileged handler needs to verify.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// Verify parses and validates raw, returning its Claims on success.
func (v *Verifier) Verify(raw string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		switch kid {
		case v.cfg.Current.KID:
			return v.cfg.Current.Secret, nil
		case "":
			return nil, fmt.Errorf("token missing kid")
		default:
			if v.cfg.Next != nil && kid == v.cfg.Next.KID {
				return v.cfg.Next.Secret, nil
			}
			return nil, fmt.Errorf("unrecognized kid %q", kid)
		}
	},
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// Bind enforces the request-binding rule (§4.2): the verified claims must
// match the task_id and attempt of the request they accompany.
func Bind(claims Claims, taskID uuid.UUID, attempt int) error {
	wantSub := "task:" + taskID.String()
	if claims.TaskID != taskID.String() || claims.Attempt != attempt || claims.Subject != wantSub {
		return ErrForbidden
	}
	return nil
}
