package models

import (
	"sort"
	"strings"

	"github.com/pumpsync/pumpsync/internal/featureflags"
)

// Flag is a feature flag as shown to operators.
type Flag struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	UpdatedAt *Timestamp  `json:"updatedAt,omitempty"`
	UpdatedBy string      `json:"updatedBy,omitempty"`
}

// FlagList is the response for GET /v1/admin/flags.
type FlagList struct {
	Items []Flag `json:"items"`
}

// NewFlagList converts service flags into the API representation.
func NewFlagList(flags []featureflags.Flag) FlagList {
	items := make([]Flag, 0, len(flags))
	for _, f := range flags {
		item := Flag{Key: f.Key, Value: f.Value, UpdatedBy: f.UpdatedBy}
		if !f.UpdatedAt.IsZero() {
			ts := Timestamp(f.UpdatedAt)
			item.UpdatedAt = &ts
		}
		items = append(items, item)
	}
	return FlagList{Items: items}
}

// FlagUpdateRequest is the body of PUT /v1/admin/flags.
type FlagUpdateRequest struct {
	Flags  map[string]bool `json:"flags"`
	Reason string          `json:"reason"`
}

// Validate checks the update request.
func (r FlagUpdateRequest) Validate() []FieldError {
	var errs []FieldError
	if len(r.Flags) == 0 {
		errs = append(errs, FieldError{Field: "flags", Message: "at least one flag is required", Code: "REQUIRED"})
	}
	keys := make([]string, 0, len(r.Flags))
	for key := range r.Flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !featureflags.ValidKey(key) {
			errs = append(errs, FieldError{Field: "flags." + key, Message: "unknown feature flag", Code: "INVALID_VALUE"})
		}
	}
	if strings.TrimSpace(r.Reason) == "" {
		errs = append(errs, FieldError{Field: "reason", Message: "reason is required", Code: "REQUIRED"})
	}
	return errs
}
