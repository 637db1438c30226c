package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanKind_SessionsPerCycle(t *testing.T) {
	assert.Equal(t, int64(4), PlanMonthly.SessionsPerCycle())
	assert.Equal(t, int64(12), PlanQuarterly.SessionsPerCycle())
	assert.Equal(t, int64(24), PlanSemiannual.SessionsPerCycle())
	assert.Equal(t, int64(1), PlanSingle.SessionsPerCycle())
}
