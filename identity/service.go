package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnauthenticated signals that no principal could be resolved from the
	// presented session token.
	ErrUnauthenticated = errors.New("identity: unauthenticated")
	// ErrNotAuthorized signals that no grant row covers the requested
	// capability. It is terminal and never downgraded.
	ErrNotAuthorized = errors.New("identity: capability not granted")
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("identity: password must be at least 8 characters")
)

// Service resolves acting principals and evaluates capability grants. It is
// the sole authority source: client-supplied flags and claims are never
// trusted on their own.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and principal returned after a successful login.
type LoginResult struct {
	Token     string
	Principal Principal
}

// NewService creates a new identity service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new principal account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Principal, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.TenantID == "" || req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("identity: tenant_id, email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	p, err := s.repo.CreatePrincipal(ctx, CreatePrincipalParams{
		TenantID:     req.TenantID,
		Email:        strings.TrimSpace(req.Email),
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// Login authenticates a principal and returns a session JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetPrincipalByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(p.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}

	return LoginResult{Token: token, Principal: p}, nil
}

// ResolvePrincipal verifies a session token and loads the principal it names.
// Any failure resolves to ErrUnauthenticated; a missing principal never falls
// back to elevated authority.
func (s *Service) ResolvePrincipal(ctx context.Context, tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrUnauthenticated
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: parse token: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrUnauthenticated
	}

	principalID, ok := claims["principal_id"].(string)
	if !ok || principalID == "" {
		return Principal{}, fmt.Errorf("%w: invalid principal_id in token", ErrUnauthenticated)
	}

	// The token only names the principal; the row is the source of truth.
	p, err := s.repo.GetPrincipalByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, err
	}

	return p, nil
}

// HasGrant reports whether the principal holds a matching, non-revoked,
// non-expired grant for the role and scope. Pure read.
func (s *Service) HasGrant(ctx context.Context, principalID string, role Role, scopeID string) (bool, error) {
	if principalID == "" {
		// Absence of identity is never authority.
		return false, nil
	}
	return s.repo.GrantExists(ctx, principalID, role, scopeID, s.now())
}

// RequireGrant fails with ErrNotAuthorized unless HasGrant holds.
func (s *Service) RequireGrant(ctx context.Context, principalID string, role Role, scopeID string) error {
	ok, err := s.HasGrant(ctx, principalID, role, scopeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: principal %s lacks %s on %s", ErrNotAuthorized, principalID, role, scopeID)
	}
	return nil
}

// IssueGrant records an explicit capability grant. The issuer must itself hold
// grant administration over the scope.
func (s *Service) IssueGrant(ctx context.Context, params IssueGrantParams) (Grant, error) {
	if params.PrincipalID == "" || params.RoleID == "" || params.ScopeID == "" {
		return Grant{}, fmt.Errorf("identity: principal, role and scope are required")
	}
	if err := s.RequireGrant(ctx, params.GrantedBy, RoleGrantAdmin, params.ScopeID); err != nil {
		return Grant{}, err
	}
	return s.repo.InsertGrant(ctx, params)
}

// RevokeGrant marks a grant revoked; repeat revocations are no-op successes.
func (s *Service) RevokeGrant(ctx context.Context, grantID string) error {
	return s.repo.RevokeGrant(ctx, grantID, s.now())
}

// generateToken creates a session JWT naming the principal.
func (s *Service) generateToken(principalID string) (string, error) {
	claims := jwt.MapClaims{
		"principal_id": principalID,
		"exp":          s.now().Add(24 * time.Hour).Unix(),
		"iat":          s.now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
