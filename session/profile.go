package session

import (
	"agency-crm/contract"
	"agency-crm/domain"
	"fmt"
	"time"
)

func toProfileRecord(id domain.UserID, fields domain.ProfileFields) contract.Record {
	return contract.Record{
		"id":           string(id),
		"full_name":    fields.FullName,
		"company_name": fields.CompanyName,
		"role":         string(fields.Role),
		"phone":        fields.Phone,
		"address":      fields.Address,
	}
}

func toIdentity(r contract.Record) (domain.Identity, error) {
	role := domain.Role(r.String("role"))
	switch role {
	case domain.RoleClient, domain.RoleStaff, domain.RoleAdmin:
	default:
		return domain.Identity{}, fmt.Errorf("profile %s has unknown role %q", r.String("id"), role)
	}
	return domain.Identity{
		ID:          domain.UserID(r.String("id")),
		DisplayName: r.String("full_name"),
		Role:        role,
		CompanyName: r.String("company_name"),
		Phone:       r.String("phone"),
		Address:     r.String("address"),
		CreatedAt:   parseOptionalTime(r.String("created_at")),
		UpdatedAt:   parseOptionalTime(r.String("updated_at")),
	}, nil
}

func parseOptionalTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := domain.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
