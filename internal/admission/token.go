package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/petahq/petamcp/internal/model"
	"github.com/petahq/petamcp/internal/redact"
	"github.com/petahq/petamcp/internal/store"
)

var legacyTokenRe = regexp.MustCompile(`^[0-9a-fA-F]{128}$`)

// AuthContext is the authenticated identity attached to a session.
type AuthContext struct {
	UserID          string
	TokenMask       string
	Role            model.Role
	Status          model.UserStatus
	Permissions     model.GrantSet
	Preferences     model.GrantSet
	LaunchConfigs   map[string]string
	AuthenticatedAt time.Time
	ExpiresAt       int64
	RateLimit       int
}

// Authenticator validates bearer tokens against the user store.
type Authenticator struct {
	users       store.Users
	jwtSecret   []byte
	defaultRate int
	nowFunc     func() time.Time
}

// NewAuthenticator creates a token validator. defaultRate is the
// per-minute limit applied when the user record carries none.
func NewAuthenticator(users store.Users, jwtSecret string, defaultRate int) *Authenticator {
	return &Authenticator{
		users:       users,
		jwtSecret:   []byte(jwtSecret),
		defaultRate: defaultRate,
		nowFunc:     time.Now,
	}
}

// Authenticate resolves a bearer token to an AuthContext. JWTs are
// detected by their three-segment shape and tried first; anything else
// must be a 128-hex legacy token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthContext, *Error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errInvalidToken("missing bearer token")
	}

	var userID string
	switch {
	case strings.Count(token, ".") == 2:
		id, err := a.verifyJWT(token)
		if err != nil {
			return nil, errInvalidToken(fmt.Sprintf("invalid access token: %v", err))
		}
		userID = id
	case legacyTokenRe.MatchString(token):
		sum := sha256.Sum256([]byte(token))
		userID = hex.EncodeToString(sum[:])[:32]
	default:
		return nil, errInvalidToken("unrecognized token format")
	}

	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errUserNotFound()
		}
		return nil, errInvalidToken(fmt.Sprintf("user lookup failed: %v", err))
	}
	return a.buildContext(user, token)
}

func (a *Authenticator) verifyJWT(token string) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("JWT auth not configured")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

func (a *Authenticator) buildContext(user *model.User, token string) (*AuthContext, *Error) {
	now := a.nowFunc()
	if user.Status != model.StatusEnabled {
		return nil, errUserDisabled(user.Status)
	}
	if user.Expired(now) {
		return nil, errUserExpired()
	}
	perms, err := model.ParseGrantSet(user.PermissionsRaw)
	if err != nil {
		return nil, errInvalidPermissions(err)
	}
	prefs, err := model.ParseGrantSet(user.PreferencesRaw)
	if err != nil {
		return nil, errInvalidPermissions(err)
	}
	rate := user.RateLimit
	if rate <= 0 {
		rate = a.defaultRate
	}
	return &AuthContext{
		UserID:          user.ID,
		TokenMask:       redact.MaskToken(token),
		Role:            user.Role,
		Status:          user.Status,
		Permissions:     perms,
		Preferences:     prefs,
		LaunchConfigs:   user.LaunchConfigs,
		AuthenticatedAt: now,
		ExpiresAt:       user.ExpiresAt,
		RateLimit:       rate,
	}, nil
}

// LegacyUserID derives the user id a 128-hex token maps to. Used at
// provisioning time so admins can precompute ids.
func LegacyUserID(token string) (string, error) {
	if !legacyTokenRe.MatchString(token) {
		return "", fmt.Errorf("not a legacy token")
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:32], nil
}
