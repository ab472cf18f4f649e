package service

import (
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

var (
	clinicalRoles = []models.UserRole{models.RoleNurse, models.RoleAdmin}
	adminRoles    = []models.UserRole{models.RoleAdmin}
)

// requireActor rejects calls without an authenticated caller.
func requireActor(actor *models.JWTClaims) error {
	if actor == nil || actor.UserID == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	return nil
}

// requireRole rejects callers that hold none of the roles.
func requireRole(actor *models.JWTClaims, roles ...models.UserRole) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !actor.HasRole(roles...) {
		return appErrors.Clone(appErrors.ErrForbidden, "insufficient role for this operation")
	}
	return nil
}

func requireClinical(actor *models.JWTClaims) error {
	return requireRole(actor, clinicalRoles...)
}

func requireAdmin(actor *models.JWTClaims) error {
	return requireRole(actor, adminRoles...)
}
