package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/api/models"
	"github.com/pumpsync/pumpsync/internal/featureflags"
)

func TestFlagUpdateRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		req    models.FlagUpdateRequest
		fields []string
	}{
		{
			name: "valid",
			req:  models.FlagUpdateRequest{Flags: map[string]bool{"bolus_disabled:pump-1": true}, Reason: "occlusion"},
		},
		{
			name:   "empty",
			req:    models.FlagUpdateRequest{},
			fields: []string{"flags", "reason"},
		},
		{
			name:   "unknown keys sorted",
			req:    models.FlagUpdateRequest{Flags: map[string]bool{"zeta": true, "alpha": false}, Reason: "x"},
			fields: []string{"flags.alpha", "flags.zeta"},
		},
		{
			name:   "blank reason",
			req:    models.FlagUpdateRequest{Flags: map[string]bool{featureflags.FlagBolusDisabled: true}, Reason: "  "},
			fields: []string{"reason"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.req.Validate()

			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestNewFlagList(t *testing.T) {
	updated := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	list := models.NewFlagList([]featureflags.Flag{
		{Key: featureflags.FlagBolusDisabled, Value: false},
		{Key: featureflags.FlagTroubleshootDisabled, Value: true, UpdatedAt: updated, UpdatedBy: "op-1"},
	})

	data, err := json.Marshal(list)
	require.NoError(t, err)

	assert.JSONEq(t, `{"items":[
		{"key":"bolus_disabled","value":false},
		{"key":"troubleshoot_disabled","value":true,"updatedAt":"2024-03-10T12:00:00Z","updatedBy":"op-1"}
	]}`, string(data))
}
