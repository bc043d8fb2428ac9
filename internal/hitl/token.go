package hitl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"devscreen/pkg/auth"
)

var (
	// ErrInvalidToken rejects a WebSocket admission
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidClinic rejects a clinic ID that cannot name a channel
	ErrInvalidClinic = errors.New("invalid clinic id")
)

// Clinic IDs become part of Redis keys and channel names, so separators are
// not allowed.
var clinicIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidateClinicID checks that id can be used as a clinic channel
func ValidateClinicID(id string) error {
	if !clinicIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidClinic, id)
	}
	return nil
}

// Identity is who a validated token belongs to. ClinicianID may be empty when
// the policy does not carry identities.
type Identity struct {
	ClinicianID string
	Role        string
}

// TokenValidator decides whether a token admits its bearer to a clinic
type TokenValidator interface {
	Validate(clinicID, token string) (*Identity, error)
}

// NonEmptyTokenValidator accepts any non-blank token. Development only.
type NonEmptyTokenValidator struct{}

func (NonEmptyTokenValidator) Validate(clinicID, token string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{Role: "clinician"}, nil
}

// JWTTokenValidator accepts signed clinician tokens scoped to the clinic
type JWTTokenValidator struct {
	auth *auth.LocalJWTAuth
}

func NewJWTTokenValidator(jwtAuth *auth.LocalJWTAuth) *JWTTokenValidator {
	return &JWTTokenValidator{auth: jwtAuth}
}

func (v *JWTTokenValidator) Validate(clinicID, token string) (*Identity, error) {
	clinician, err := v.auth.VerifyToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !clinician.MayAccess(clinicID) {
		return nil, fmt.Errorf("%w: not issued for clinic %s", ErrInvalidToken, clinicID)
	}
	return &Identity{ClinicianID: clinician.ID, Role: clinician.Role}, nil
}
