package models

import (
	"strings"
	"time"
)

// Submission is a customer lead handed over by the intake layer.
type Submission struct {
	ID          string         `json:"id"           validate:"required"`
	ServiceType string         `json:"service_type" validate:"required"`
	ZipCode     string         `json:"zip_code,omitempty"`
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Answers     map[string]any `json:"answers,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Test        bool           `json:"test,omitempty"` // Synthetic submission created by a test run
}

// Field resolves a submission attribute by name. Answers are addressed as "answers.<key>".
func (s *Submission) Field(name string) (string, bool) {
	switch name {
	case "id":
		return s.ID, true
	case "service_type":
		return s.ServiceType, true
	case "zip_code":
		return s.ZipCode, s.ZipCode != ""
	case "name":
		return s.Name, s.Name != ""
	case "email":
		return s.Email, s.Email != ""
	case "phone":
		return s.Phone, s.Phone != ""
	}

	key, ok := strings.CutPrefix(name, "answers.")
	if !ok || s.Answers == nil {
		return "", false
	}

	value, ok := s.Answers[key]
	if !ok || value == nil {
		return "", false
	}

	return stringify(value), true
}
