package utils

import (
	"PsiConsulta/models"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransitionInput(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		origin  string
		wantErr bool
	}{
		{"canonical status", "Realizada", "", false},
		{"legacy alias", "Cancelled_no_show", "", false},
		{"explicit origin", "CanceladoAdministrador", "AdminGestao", false},
		{"missing status", "", "", true},
		{"unknown status", "Paused", "", true},
		{"unknown origin", "Realizada", "Robot", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransitionInput(tt.status, tt.origin)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateRoleAndCancel(t *testing.T) {
	assert.NoError(t, ValidateRole("patient"))
	assert.NoError(t, ValidateRole(string(models.RoleProfessional)))
	assert.NoError(t, ValidateRole("professional"))
	assert.Error(t, ValidateRole("psychologist"))
	assert.Error(t, ValidateRole("admin"))
	assert.NoError(t, ValidateMissingRole(""))
	assert.NoError(t, ValidateMissingRole("Both"))
	assert.Error(t, ValidateMissingRole("nobody"))
	assert.NoError(t, ValidateCancelInput("force-majeure"))
	assert.Error(t, ValidateCancelInput(""))
}

func TestValidatePeriod(t *testing.T) {
	assert.NoError(t, ValidatePeriod("2025-01"))
	assert.Error(t, ValidatePeriod("2025-13"))
	assert.Error(t, ValidatePeriod("01-2025"))
	assert.Error(t, ValidatePeriod(""))
}

func TestValidateDuration(t *testing.T) {
	assert.NoError(t, ValidateDuration(600, 2400))
	assert.Error(t, ValidateDuration(-1, 10))
}
