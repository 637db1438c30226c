package utils

import (
	"PsiConsulta/models"
	"errors"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

var (
	ErrUnknownStatus = errors.New("unknown consultation status")
	ErrUnknownOrigin = errors.New("unknown status origin")
)

// ValidateTransitionInput checks a raw status and an optional origin.
func ValidateTransitionInput(status, origin string) error {
	return wrapValidation(validation.Errors{
		"status": validation.Validate(status, validation.Required, validation.By(knownStatus)),
		"origin": validation.Validate(origin, validation.By(knownOrigin)),
	}.Filter())
}

// ValidateRole checks a participant role.
func ValidateRole(role string) error {
	return wrapValidation(validation.Validate(role,
		validation.Required.Error("role is required"),
		validation.In(string(models.RolePatient), string(models.RoleProfessional)).Error("role must be patient or professional"),
	))
}

// ValidateMissingRole accepts an empty value, which the caller defaults.
func ValidateMissingRole(missing string) error {
	return wrapValidation(validation.Validate(missing,
		validation.In(string(models.MissingPatient), string(models.MissingProfessional), string(models.MissingBoth)).
			Error("missingRole must be Patient, Professional or Both"),
	))
}

// ValidateCancelInput checks who is cancelling.
func ValidateCancelInput(by string) error {
	return wrapValidation(validation.Validate(by,
		validation.Required.Error("by is required"),
		validation.In("patient", "professional", "force-majeure").Error("by must be patient, professional or force-majeure"),
	))
}

// ValidatePeriod checks a YYYY-MM settlement period.
func ValidatePeriod(period string) error {
	return wrapValidation(validation.Validate(period,
		validation.Required.Error("period is required"),
		validation.Match(periodPattern).Error("period must be formatted as YYYY-MM"),
	))
}

// ValidateDuration checks a duration snapshot sent by a participant.
func ValidateDuration(elapsedSeconds, remainingSeconds int) error {
	return wrapValidation(validation.Errors{
		"elapsedSeconds":   validation.Validate(elapsedSeconds, validation.Min(0)),
		"remainingSeconds": validation.Validate(remainingSeconds, validation.Min(0)),
	}.Filter())
}

func knownStatus(value interface{}) error {
	raw, _ := value.(string)
	if _, ok := models.NormalizeStatus(raw); !ok {
		return ErrUnknownStatus
	}
	return nil
}

func knownOrigin(value interface{}) error {
	raw, _ := value.(string)
	if raw == "" || models.StatusOrigin(raw).Valid() {
		return nil
	}
	return ErrUnknownOrigin
}

func wrapValidation(err error) error {
	if err == nil {
		return nil
	}
	return NewValidationError(fmt.Sprintf("invalid request: %v", err), err)
}
