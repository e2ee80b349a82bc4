package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
)

// ContactArgs are the arguments of create-contact.
type ContactArgs struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (a *ContactArgs) validate() error {
	a.FirstName = strings.TrimSpace(a.FirstName)
	a.LastName = strings.TrimSpace(a.LastName)
	a.Phone = strings.TrimSpace(a.Phone)
	if err := required("firstName", a.FirstName); err != nil {
		return err
	}
	if err := required("lastName", a.LastName); err != nil {
		return err
	}
	return validEmail(&a.Email)
}

// EnquiryArgs are the arguments of create-enquiry.
type EnquiryArgs struct {
	CourseName string `json:"courseName"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	Message    string `json:"message"`
}

func (a *EnquiryArgs) validate() error {
	a.CourseName = strings.TrimSpace(a.CourseName)
	a.Name = strings.TrimSpace(a.Name)
	a.Phone = strings.TrimSpace(a.Phone)
	a.Message = strings.TrimSpace(a.Message)
	if err := required("courseName", a.CourseName); err != nil {
		return err
	}
	if err := required("name", a.Name); err != nil {
		return err
	}
	if err := required("message", a.Message); err != nil {
		return err
	}
	return validEmail(&a.Email)
}

// BookingArgs are the arguments of create-booking.
type BookingArgs struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Concern       string `json:"concern"`
	PreferredTime string `json:"preferredTime,omitempty"`
}

func (a *BookingArgs) validate() error {
	a.Name = strings.TrimSpace(a.Name)
	a.Phone = strings.TrimSpace(a.Phone)
	a.Concern = strings.TrimSpace(a.Concern)
	a.PreferredTime = strings.TrimSpace(a.PreferredTime)
	if err := required("name", a.Name); err != nil {
		return err
	}
	if err := required("phone", a.Phone); err != nil {
		return err
	}
	if err := required("concern", a.Concern); err != nil {
		return err
	}
	return validEmail(&a.Email)
}

// CatalogArgs are the arguments of fetch-catalog.
type CatalogArgs struct {
	Category string `json:"category,omitempty"`
}

func (a *CatalogArgs) validate() error {
	a.Category = strings.ToLower(strings.TrimSpace(a.Category))
	switch a.Category {
	case "", "all", "video", "intensive", "service":
		return nil
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidArguments, a.Category)
	}
}

type validator interface {
	validate() error
}

// decodeArgs strictly decodes a JSON object into dst and validates it.
// Empty input decodes as an empty object.
func decodeArgs(input []byte, dst validator) error {
	input = bytes.TrimSpace(input)
	if len(input) == 0 || bytes.Equal(input, []byte("null")) {
		input = []byte("{}")
	}
	if err := json.Unmarshal(input, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return dst.validate()
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArguments, field)
	}
	return nil
}

func validEmail(email *string) error {
	*email = strings.TrimSpace(*email)
	if *email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidArguments)
	}
	addr, err := mail.ParseAddress(*email)
	if err != nil || addr.Address != *email {
		return fmt.Errorf("%w: invalid email %q", ErrInvalidArguments, *email)
	}
	return nil
}
