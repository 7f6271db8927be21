package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/text/unicode/norm"

	nativelending "lendpool/native/lending"
	"lendpool/observability/logging"
)

// AuthConfig lists the credentials accepted by the API. Static API tokens map
// to a fixed identity; JWTs carry the identity in their subject claim.
type AuthConfig struct {
	APITokens  map[string]string
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type identityKey struct{}

// WithIdentity returns a context carrying the authenticated caller.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the authenticated caller, if any.
func IdentityFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	identity, ok := ctx.Value(identityKey{}).(string)
	return identity, ok && identity != ""
}

// Authenticator resolves the caller identity from request credentials.
// Requests without credentials pass through anonymously; handlers that mutate
// state require an identity.
type Authenticator struct {
	tokens    map[string]string
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	logger    *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	tokens := make(map[string]string, len(cfg.APITokens))
	for token, identity := range cfg.APITokens {
		token = strings.TrimSpace(token)
		identity = accountName(identity)
		if token == "" || identity == "" {
			continue
		}
		tokens[token] = identity
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		tokens:    tokens,
		secret:    []byte(strings.TrimSpace(cfg.HMACSecret)),
		issuer:    strings.TrimSpace(cfg.Issuer),
		audience:  strings.TrimSpace(cfg.Audience),
		clockSkew: skew,
		logger:    logger,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := extractBearer(r.Header.Get("Authorization"))
		if credential == "" {
			credential = strings.TrimSpace(r.Header.Get("X-API-Token"))
		}
		if credential == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := a.identify(credential)
		if err != nil {
			a.logger.Info("auth: credential rejected", "reason", err.Error(), logging.MaskField("credential", credential))
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (a *Authenticator) identify(credential string) (string, error) {
	if identity, ok := a.tokens[credential]; ok {
		return identity, nil
	}
	if len(a.secret) == 0 {
		return "", errors.New("unknown api token")
	}
	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, a.parserOptions()...)
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	subject = accountName(subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

func (a *Authenticator) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithLeeway(a.clockSkew), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	return opts
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// accountName canonicalises an identity or ledger account name so that
// visually identical names resolve to the same account.
func accountName(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}

// ownsAccount reports whether identity controls ledger account: its own
// account or a sub-account of the form identity/name. Pool vaults belong to no
// identity.
func ownsAccount(identity, account string) bool {
	if nativelending.IsPoolAccount(account) {
		return false
	}
	return account == identity || strings.HasPrefix(account, identity+"/")
}
