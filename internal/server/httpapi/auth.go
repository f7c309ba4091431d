package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/services"
)

// Claims binds a bearer token to one device of one organization.
type Claims struct {
	jwt.RegisteredClaims
	Organization string `json:"organization"`
	Device       string `json:"device"`
}

// GenerateToken mints the bearer token used by the authenticated and
// tos families.
func GenerateToken(org models.OrganizationID, device models.DeviceID, secretKey []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		Organization: string(org),
		Device:       device.String(),
	})
	return token.SignedString(secretKey)
}

// deviceFromToken validates the token and returns the device it was
// minted for, checking the organization scope.
func deviceFromToken(tokenString string, org models.OrganizationID, secretKey []byte) (models.DeviceID, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	})
	if err != nil {
		return models.DeviceID{}, common.ErrInvalidToken
	}
	if !token.Valid || claims.Organization != string(org) {
		return models.DeviceID{}, common.ErrInvalidToken
	}
	device, err := models.ParseDeviceID(claims.Device)
	if err != nil {
		return models.DeviceID{}, common.ErrInvalidToken
	}
	return device, nil
}

// bearerToken extracts the Authorization bearer value; empty when the
// header is missing or malformed.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// authenticate resolves the authenticated-family caller from the
// request.
func (s *Server) authenticate(r *http.Request, org models.OrganizationID) (models.DeviceID, int, error) {
	token := bearerToken(r)
	if token == "" {
		return models.DeviceID{}, http.StatusUnauthorized, common.ErrUnauthorized
	}
	device, err := deviceFromToken(token, org, []byte(s.cfg.SecretKey))
	if err != nil {
		return models.DeviceID{}, http.StatusForbidden, err
	}
	return device, 0, nil
}

// authenticateInvited resolves the invited-family caller: the bearer
// value is the invitation token itself, matched by hash.
func (s *Server) authenticateInvited(r *http.Request, org models.OrganizationID) (*models.Invitation, int, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, http.StatusUnauthorized, common.ErrUnauthorized
	}
	invitation, err := s.invites.GetByTokenHash(r.Context(), org, services.HashToken(models.InvitationToken(token)))
	if err != nil {
		status := httpStatusFor(err)
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return nil, status, err
	}
	switch invitation.Status {
	case models.InvitationCancelled:
		return nil, 460, common.ErrInvitationCancelled
	case models.InvitationCompleted:
		return nil, 460, common.ErrInvitationAlreadyUsed
	}
	return invitation, 0, nil
}
