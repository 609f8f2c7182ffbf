package app

import (
	"context"
	"database/sql"
	"errors"

	"deskline/api/internal/auth"
	"deskline/api/internal/rbac"
	"deskline/api/internal/store"
)

// DepartmentScope is what a successful department check resolves.
type DepartmentScope struct {
	Department store.Department
	CompanyID  string
}

// CheckDepartmentAccess fails NotFound for a missing or inactive department
// and Forbidden for a non-privileged actor without an active membership.
func (s *Service) CheckDepartmentAccess(ctx context.Context, departmentID string, actor Actor) (DepartmentScope, error) {
	department, err := s.store.GetDepartment(ctx, departmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DepartmentScope{}, notFound("department not found")
	}
	if err != nil {
		return DepartmentScope{}, err
	}
	if !department.IsActive {
		return DepartmentScope{}, notFound("department not found")
	}

	scope := DepartmentScope{Department: department, CompanyID: department.CompanyID}
	if actor.privileged() {
		return scope, nil
	}

	member, err := s.store.IsDepartmentMember(ctx, departmentID, actor.ID)
	if err != nil {
		return DepartmentScope{}, err
	}
	if !member {
		return DepartmentScope{}, forbidden("no access to this department")
	}
	return scope, nil
}

func (s *Service) CheckCompanyAccess(ctx context.Context, companyID string, actor Actor) error {
	exists, err := s.store.CompanyExists(ctx, companyID)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("company not found")
	}
	if actor.privileged() {
		return nil
	}

	member, err := s.store.IsCompanyMember(ctx, companyID, actor.ID)
	if err != nil {
		return err
	}
	if !member {
		return forbidden("no access to this company")
	}
	return nil
}

// ActorFromToken verifies a bearer token and returns the identity it carries.
func (s *Service) ActorFromToken(token string) (Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Actor{}, err
	}
	return Actor{
		ID:   claims.Subject,
		Name: claims.Name,
		Role: rbac.Normalize(claims.Role),
	}, nil
}
