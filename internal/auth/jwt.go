// Package auth provides JWT issuance and verification for RM. RM signs its
// session tokens with the keystore's RS256 keypair; federation-issued tokens
// are verified against the trusted public keys synced during bootstrap.
package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// reissueExcluded are the claims never copied when reissuing a token with
// RM's own issuer.
var reissueExcluded = map[string]bool{
	"iat":   true,
	"exp":   true,
	"iss":   true,
	"aud":   true,
	"nonce": true,
}

// Issuer signs RM session JWTs.
type Issuer struct {
	key        *rsa.PrivateKey
	issuer     string
	expiration time.Duration
}

// NewIssuer creates an Issuer with the given signing key.
func NewIssuer(key *rsa.PrivateKey, issuer string, expiration time.Duration) *Issuer {
	return &Issuer{key: key, issuer: issuer, expiration: expiration}
}

// Issue signs a token carrying the given claims plus iss, iat, and exp.
func (i *Issuer) Issue(claims map[string]any) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	now := time.Now()
	mapClaims["iss"] = i.issuer
	mapClaims["iat"] = jwt.NewNumericDate(now)
	mapClaims["exp"] = jwt.NewNumericDate(now.Add(i.expiration))

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Reissue signs a fresh token copying all claims except iat, exp, iss, aud,
// and nonce.
func (i *Issuer) Reissue(claims map[string]any) (string, error) {
	copied := make(map[string]any, len(claims))
	for k, v := range claims {
		if reissueExcluded[k] {
			continue
		}
		copied[k] = v
	}
	return i.Issue(copied)
}

// Verifier validates JWTs against a set of named RS256 public keys.
type Verifier struct {
	keys map[string]*rsa.PublicKey
}

// NewVerifier creates a Verifier over the given keys. The map key is the
// issuer name the public key belongs to.
func NewVerifier(keys map[string]*rsa.PublicKey) *Verifier {
	return &Verifier{keys: keys}
}

// Verify parses and validates a token, trying every trusted key. It returns
// the claims and the name of the key that verified the signature.
func (v *Verifier) Verify(tokenString string) (map[string]any, string, error) {
	var lastErr error
	for name, key := range v.keys {
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
			return claims, name, nil
		}
		lastErr = fmt.Errorf("invalid token")
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no trusted keys configured")
	}
	return nil, "", fmt.Errorf("failed to verify token: %w", lastErr)
}
