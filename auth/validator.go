package auth

import (
	"agency-crm/domain"
	"fmt"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type SignUpRequest struct {
	Email       string `validate:"required,email"`
	Password    string `validate:"required,min=8,max=72"`
	FullName    string `validate:"required,max=120"`
	CompanyName string `validate:"max=120"`
	Role        string `validate:"required,oneof=client staff"`
	Phone       string `validate:"omitempty,e164"`
	Address     string `validate:"max=255"`
}

func NewSignUpRequest(email, password string, fields domain.ProfileFields) SignUpRequest {
	return SignUpRequest{
		Email:       email,
		Password:    password,
		FullName:    fields.FullName,
		CompanyName: fields.CompanyName,
		Role:        string(fields.Role),
		Phone:       fields.Phone,
		Address:     fields.Address,
	}
}

// ValidateSignUp rejects malformed input before anything reaches the gateway.
// Admins are provisioned, never self registered.
func ValidateSignUp(req SignUpRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if !isPasswordMixed(req.Password) {
		return errPasswordTooWeak
	}
	return nil
}

var errPasswordTooWeak = fmt.Errorf("password must mix letters and digits")

func isPasswordMixed(s string) bool {
	var hasLetter, hasNumber bool
	for _, char := range s {
		switch {
		case unicode.IsLetter(char):
			hasLetter = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}
	return hasLetter && hasNumber
}
