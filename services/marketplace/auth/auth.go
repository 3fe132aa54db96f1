package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"cryptobazaar/crypto"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Role represents an authorized persona within the marketplace.
type Role string

const (
	// RoleUser is any onboarded buyer or seller.
	RoleUser Role = "user"
	// RoleOperator confirms fiat settlement and may complete orders.
	RoleOperator Role = "operator"
)

var allowedRoles = map[Role]struct{}{
	RoleUser:     {},
	RoleOperator: {},
}

var (
	operatorSubjects = map[string]struct{}{}
	operatorMu       sync.RWMutex
)

// SetOperators configures the allowlist of identities permitted to assume the
// operator role.
func SetOperators(subjects []string) {
	operatorMu.Lock()
	defer operatorMu.Unlock()
	operatorSubjects = make(map[string]struct{}, len(subjects))
	for _, subject := range subjects {
		trimmed := strings.TrimSpace(subject)
		if trimmed == "" {
			continue
		}
		operatorSubjects[trimmed] = struct{}{}
	}
}

// IsOperator reports whether subject is in the operator allowlist.
func IsOperator(subject string) bool {
	operatorMu.RLock()
	defer operatorMu.RUnlock()
	_, ok := operatorSubjects[strings.TrimSpace(subject)]
	return ok
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject string
	Role    Role
	// Wallet is the address bound to the token, zero when the token carries
	// none.
	Wallet     common.Address
	Token      *jwt.Token
	Attributes jwt.MapClaims
}

// Options controls signature verification and claim handling.
type Options struct {
	Alg              string
	Issuer           string
	Audience         []string
	MaxSkewSeconds   int
	HSSecretEnv      string
	RSAPublicKeyFile string
	RoleClaim        string
	WalletClaim      string
	Operators        []string
}

// Middleware authenticates bearer tokens.
type Middleware struct {
	verifier *jwtVerifier
}

// NewMiddleware constructs a Middleware using the supplied configuration.
func NewMiddleware(opts Options) (*Middleware, error) {
	SetOperators(opts.Operators)
	verifier, err := newJWTVerifier(opts)
	if err != nil {
		return nil, err
	}
	return &Middleware{verifier: verifier}, nil
}

// Middleware rejects requests without a valid bearer token and attaches the
// verified claims to the request context.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	if m == nil {
		panic("auth middleware is nil")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing authorization")
			return
		}
		scheme, token, found := strings.Cut(authz, " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid authorization scheme")
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		claims, err := m.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid authorization token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil || claims.Subject == "" {
		return nil, errors.New("missing identity in context")
	}
	return claims, nil
}

// RequireRole ensures the authenticated user has at least one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, http.StatusForbidden, "NOT_OPERATOR", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

type jwtVerifier struct {
	method      jwt.SigningMethod
	key         interface{}
	issuer      string
	audience    []string
	leeway      time.Duration
	roleClaim   string
	walletClaim string
	now         func() time.Time
}

func newJWTVerifier(opts Options) (*jwtVerifier, error) {
	method := strings.ToUpper(strings.TrimSpace(opts.Alg))
	if method == "" {
		method = jwt.SigningMethodHS256.Alg()
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audiences := make([]string, 0, len(opts.Audience))
	for _, aud := range opts.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one JWT audience is required")
	}

	verifier := &jwtVerifier{
		issuer:      issuer,
		audience:    audiences,
		leeway:      30 * time.Second,
		roleClaim:   strings.TrimSpace(opts.RoleClaim),
		walletClaim: strings.TrimSpace(opts.WalletClaim),
		now:         time.Now,
	}
	if opts.MaxSkewSeconds > 0 {
		verifier.leeway = time.Duration(opts.MaxSkewSeconds) * time.Second
	}
	if verifier.roleClaim == "" {
		verifier.roleClaim = "role"
	}
	if verifier.walletClaim == "" {
		verifier.walletClaim = "wallet"
	}

	switch method {
	case jwt.SigningMethodHS256.Alg():
		envKey := strings.TrimSpace(opts.HSSecretEnv)
		if envKey == "" {
			return nil, errors.New("HS256 secret environment variable not configured")
		}
		secret := strings.TrimSpace(os.Getenv(envKey))
		if secret == "" {
			return nil, fmt.Errorf("environment variable %s is empty", envKey)
		}
		verifier.method = jwt.SigningMethodHS256
		verifier.key = []byte(secret)
	case jwt.SigningMethodRS256.Alg():
		pub, err := loadRSAPublicKey(opts.RSAPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("resolve RS256 public key: %w", err)
		}
		verifier.method = jwt.SigningMethodRS256
		verifier.key = pub
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", method)
	}
	return verifier, nil
}

func (v *jwtVerifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("JWT verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("token subject missing")
	}
	if !v.audienceMatches(extractStringSlice(claims["aud"])) {
		return nil, errors.New("token audience mismatch")
	}

	role, err := v.extractRole(claims)
	if err != nil {
		return nil, err
	}
	if role == RoleOperator && !IsOperator(subject) {
		return nil, errors.New("operator not allowlisted")
	}

	out := &Claims{Subject: subject, Role: role, Token: parsed, Attributes: claims}
	if raw, ok := claims[v.walletClaim].(string); ok && strings.TrimSpace(raw) != "" {
		wallet, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("wallet claim: %w", err)
		}
		out.Wallet = wallet
	}
	return out, nil
}

func (v *jwtVerifier) audienceMatches(tokenAud []string) bool {
	for _, expected := range v.audience {
		for _, actual := range tokenAud {
			if strings.EqualFold(actual, expected) {
				return true
			}
		}
	}
	return false
}

// extractRole defaults to RoleUser when the token names no role.
func (v *jwtVerifier) extractRole(claims jwt.MapClaims) (Role, error) {
	candidates := extractStringSlice(claims[v.roleClaim])
	if len(candidates) == 0 {
		return RoleUser, nil
	}
	for _, candidate := range candidates {
		role := Role(strings.ToLower(candidate))
		if _, ok := allowedRoles[role]; ok {
			return role, nil
		}
	}
	return "", errors.New("no permitted roles found in token claims")
}

func extractStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	case []string:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("RSA public key file path is empty")
	}
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		pemData = rest
		switch block.Type {
		case "PUBLIC KEY":
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse RSA public key: %w", err)
			}
			rsaKey, ok := pub.(*rsa.PublicKey)
			if !ok {
				return nil, errors.New("parsed key is not RSA")
			}
			return rsaKey, nil
		case "RSA PUBLIC KEY":
			rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS1 RSA public key: %w", err)
			}
			return rsaKey, nil
		}
	}
	return nil, errors.New("no RSA public key found in PEM data")
}
