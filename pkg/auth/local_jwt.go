package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AnyClinic is the clinic claim of a token valid for every clinic
const AnyClinic = "*"

// Clinician represents an authenticated clinician
type Clinician struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	ClinicID string `json:"clinicId"`
}

// MayAccess reports whether the clinician may join the given clinic channel
func (c *Clinician) MayAccess(clinicID string) bool {
	return c.ClinicID == AnyClinic || c.ClinicID == clinicID
}

// ExtractToken extracts the JWT token from an Authorization header value.
// Supports "Bearer <token>" format.
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("empty authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty token")
	}

	return token, nil
}

// LocalJWTAuth signs and verifies HS256 clinician tokens
type LocalJWTAuth struct {
	SecretKey   []byte
	TokenExpiry time.Duration // Default: 12 hours, one clinic shift
}

// NewLocalJWTAuth creates a new local JWT auth instance
func NewLocalJWTAuth(secretKey string, expiry time.Duration) (*LocalJWTAuth, error) {
	if secretKey == "" {
		return nil, errors.New("JWT secret key cannot be empty")
	}

	if expiry == 0 {
		expiry = 12 * time.Hour
	}

	return &LocalJWTAuth{
		SecretKey:   []byte(secretKey),
		TokenExpiry: expiry,
	}, nil
}

// ClinicianClaims represents the JWT token claims
type ClinicianClaims struct {
	ClinicianID string `json:"sub"`
	Role        string `json:"role"`
	ClinicID    string `json:"clinic"`
	TokenID     string `json:"jti"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for a clinician scoped to clinicID (or AnyClinic)
func (a *LocalJWTAuth) GenerateToken(clinicianID, role, clinicID string) (string, error) {
	if clinicianID == "" || clinicID == "" {
		return "", errors.New("clinician and clinic are required")
	}

	tokenID, err := generateTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := time.Now()
	claims := ClinicianClaims{
		ClinicianID: clinicianID,
		Role:        role,
		ClinicID:    clinicID,
		TokenID:     tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "devscreen-local",
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.SecretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyToken verifies a token and returns the clinician it was issued to
func (a *LocalJWTAuth) VerifyToken(tokenString string) (*Clinician, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClinicianClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.SecretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*ClinicianClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.ClinicianID == "" || claims.ClinicID == "" {
		return nil, errors.New("token is missing clinician or clinic claim")
	}

	return &Clinician{
		ID:       claims.ClinicianID,
		Role:     claims.Role,
		ClinicID: claims.ClinicID,
	}, nil
}

// generateTokenID generates a random token ID
func generateTokenID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
