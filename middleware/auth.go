package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wylloh/config"
	"wylloh/logging"
	"wylloh/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// PrincipalKey is the gin context key holding the authenticated principal.
	PrincipalKey = "principal"
	// WalletHeader carries the principal in header mode.
	WalletHeader = "X-Wallet-Address"

	AuthModeJWT    = "jwt"
	AuthModeHeader = "header"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// WalletClaims are the bearer token claims. Wallet takes precedence over
// the subject when both are present.
type WalletClaims struct {
	Wallet string `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

// Principal resolves the identity the token speaks for.
func (c *WalletClaims) Principal() string {
	if c.Wallet != "" {
		return models.NormalizePrincipal(c.Wallet)
	}
	return models.NormalizePrincipal(c.Subject)
}

// Authenticator resolves the calling principal from HS256 bearer tokens, or
// from the X-Wallet-Address header in development setups.
type Authenticator struct {
	mode   string
	secret []byte
	issuer string
	logger *logging.Logger
}

// NewAuthenticator builds an authenticator for cfg. jwt mode without a
// secret is rejected.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		mode:   strings.ToLower(cfg.Mode),
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		logger: logging.GetLogger().WithComponent("auth"),
	}
	switch a.mode {
	case "", AuthModeJWT:
		a.mode = AuthModeJWT
		if len(a.secret) == 0 {
			return nil, fmt.Errorf("%w: jwt mode requires a signing secret", models.ErrInvalidInput)
		}
	case AuthModeHeader:
	default:
		return nil, fmt.Errorf("%w: unsupported auth mode %q", models.ErrInvalidInput, cfg.Mode)
	}
	return a, nil
}

func (a *Authenticator) Mode() string {
	return a.mode
}

// IssueToken signs a token for principal, valid for ttl.
func (a *Authenticator) IssueToken(principal string, ttl time.Duration) (string, error) {
	if a.mode != AuthModeJWT {
		return "", fmt.Errorf("%w: tokens are only issued in jwt mode", models.ErrInvalidInput)
	}
	now := time.Now()
	claims := WalletClaims{
		Wallet: models.NormalizePrincipal(principal),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   models.NormalizePrincipal(principal),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate returns the principal for r.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if a.mode == AuthModeHeader {
		principal := models.NormalizePrincipal(r.Header.Get(WalletHeader))
		if principal == "" {
			return "", fmt.Errorf("%w: %s header required", ErrMissingCredentials, WalletHeader)
		}
		return principal, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: authorization header required", ErrMissingCredentials)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims WalletClaims
	if _, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	principal := claims.Principal()
	if principal == "" {
		return "", fmt.Errorf("%w: token names no principal", ErrInvalidToken)
	}
	return principal, nil
}

// Middleware aborts unauthenticated requests with 401 and stores the
// principal under PrincipalKey.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := a.Authenticate(c.Request)
		if err != nil {
			a.logger.Info("Rejected request to %s: %v", c.FullPath(), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(PrincipalKey, principal)
		c.Next()
	}
}

// Principal returns the authenticated principal stored by Middleware.
func Principal(c *gin.Context) (string, bool) {
	principal := c.GetString(PrincipalKey)
	return principal, principal != ""
}
