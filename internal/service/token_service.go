package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/auth"
	"github.com/pvarki/rasenmaeher/internal/database"
	"github.com/pvarki/rasenmaeher/internal/database/models"
	"github.com/pvarki/rasenmaeher/internal/errs"
)

// TokenService handles federation JWT exchange, session refresh and
// single-use login codes.
type TokenService struct {
	db       *database.Database
	issuer   *auth.Issuer
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewTokenService creates a new token service.
func NewTokenService(db *database.Database, issuer *auth.Issuer, verifier *auth.Verifier, logger *zap.Logger) *TokenService {
	return &TokenService{
		db:       db,
		issuer:   issuer,
		verifier: verifier,
		logger:   logger,
	}
}

// RecordNonce marks a JWT nonce as seen. The first call for a nonce
// succeeds, every later one returns ErrTokenReuse.
func (s *TokenService) RecordNonce(ctx context.Context, nonce, auditMeta string) error {
	if auditMeta == "" {
		auditMeta = "{}"
	}
	return s.db.Queries().InsertSeenToken(ctx, &models.SeenToken{
		ID:        uuid.New().String(),
		Token:     nonce,
		AuditMeta: auditMeta,
		CreatedAt: time.Now(),
	})
}

// Exchange validates a federation-issued JWT and reissues it under the
// local signing key. The incoming token must carry a nonce (recorded as
// single-use) and the anon_admin_session claim.
func (s *TokenService) Exchange(ctx context.Context, tokenString, auditMeta string) (string, error) {
	claims, keyName, err := s.verifier.Verify(tokenString)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errs.ErrForbidden, err)
	}

	nonce, _ := claims["nonce"].(string)
	if nonce == "" {
		return "", fmt.Errorf("%w: token has no nonce", errs.ErrForbidden)
	}
	if allow, _ := claims["anon_admin_session"].(bool); !allow {
		return "", fmt.Errorf("%w: token does not grant an admin session", errs.ErrForbidden)
	}

	if err := s.RecordNonce(ctx, nonce, auditMeta); err != nil {
		return "", err
	}

	reissued, err := s.issuer.Reissue(claims)
	if err != nil {
		return "", err
	}

	s.logger.Info("Federation token exchanged", zap.String("key", keyName))
	return reissued, nil
}

// Refresh reissues a locally verified token with a fresh expiry. The
// claims pass through untouched apart from the standard ones.
func (s *TokenService) Refresh(claims map[string]any) (string, error) {
	return s.issuer.Reissue(claims)
}

// IssueFor mints a session token for a subject with the given extra
// claims.
func (s *TokenService) IssueFor(subject string, extra map[string]any) (string, error) {
	claims := map[string]any{"sub": subject}
	for k, v := range extra {
		claims[k] = v
	}
	return s.issuer.Issue(claims)
}

// CreateLoginCode mints a single-use login code that redeems into a JWT
// carrying the given claims.
func (s *TokenService) CreateLoginCode(ctx context.Context, claims map[string]any, auditMeta string) (string, error) {
	if auditMeta == "" {
		auditMeta = "{}"
	}
	encoded, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	// One statement per attempt; a unique violation aborts a surrounding
	// postgres transaction, so the retry cannot live inside one.
	q := s.db.Queries()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		candidate, err := generateCode(loginCodeLength, true)
		if err != nil {
			return "", err
		}
		err = q.CreateLoginCode(ctx, &models.LoginCode{
			ID:        uuid.New().String(),
			Code:      candidate,
			Claims:    string(encoded),
			AuditMeta: auditMeta,
			CreatedAt: time.Now(),
		})
		if errors.Is(err, database.ErrUniqueViolation) {
			continue
		}
		if err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("login code generator exhausted after %d attempts", maxCodeAttempts)
}

// RedeemLoginCode exchanges an unused login code for a JWT. The code is
// consumed atomically; losing a redemption race returns ErrTokenReuse.
func (s *TokenService) RedeemLoginCode(ctx context.Context, code string) (string, error) {
	var claims map[string]any
	err := s.db.WithTx(ctx, func(q *database.Queries) error {
		row, err := q.GetLoginCode(ctx, code)
		if err != nil {
			return err
		}
		if err := q.MarkLoginCodeUsed(ctx, code, time.Now()); err != nil {
			return err
		}
		return json.Unmarshal([]byte(row.Claims), &claims)
	})
	if err != nil {
		return "", err
	}

	token, err := s.issuer.Issue(claims)
	if err != nil {
		return "", err
	}

	s.logger.Info("Login code redeemed")
	return token, nil
}
