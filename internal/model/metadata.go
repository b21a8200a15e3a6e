package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	maxCustomFields   = 32
	maxCustomKeyLen   = 64
	maxCustomValueLen = 1000
	MaxContentLen     = 10000
)

// MemoryMetadata is the schema for metadata attached to a memory: a small set of
// well-known fields plus a bag of scalar custom fields.
type MemoryMetadata struct {
	Type       string         `json:"type,omitempty" validate:"omitempty,max=32,printascii"`
	Category   string         `json:"category,omitempty" validate:"omitempty,max=64"`
	SourceTool string         `json:"sourceTool,omitempty" validate:"omitempty,max=64,printascii"`
	MessageID  string         `json:"messageId,omitempty" validate:"omitempty,max=128"`
	ChatID     string         `json:"chatId,omitempty" validate:"omitempty,max=128"`
	CreatedAt  *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time     `json:"updatedAt,omitempty"`
	Custom     map[string]any `json:"custom,omitempty"`
}

var knownMetadataKeys = map[string]bool{
	"type": true, "category": true, "sourceTool": true, "messageId": true,
	"chatId": true, "createdAt": true, "updatedAt": true, "custom": true,
}

// UnmarshalJSON decodes the well-known fields and folds any other top-level key
// into Custom, so metadata written by older callers keeps its extra fields.
func (m *MemoryMetadata) UnmarshalJSON(b []byte) error {
	type plain MemoryMetadata
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownMetadataKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if p.Custom == nil {
			p.Custom = make(map[string]any)
		}
		p.Custom[k] = val
	}
	*m = MemoryMetadata(p)
	return nil
}

// Validate checks the metadata against its schema.
func (m MemoryMetadata) Validate() error {
	if err := ValidateStruct(m); err != nil {
		return prefixField("metadata", err)
	}
	if len(m.Custom) > maxCustomFields {
		return NewValidationError("metadata.custom", fmt.Sprintf("at most %d custom fields allowed", maxCustomFields))
	}
	for k, v := range m.Custom {
		if k == "" || len(k) > maxCustomKeyLen {
			return NewValidationError("metadata.custom", fmt.Sprintf("key %q must be 1-%d characters", k, maxCustomKeyLen))
		}
		switch t := v.(type) {
		case nil, bool, float64, float32, int, int32, int64, json.Number:
		case string:
			if len(t) > maxCustomValueLen {
				return NewValidationError("metadata.custom."+k, fmt.Sprintf("exceeds %d characters", maxCustomValueLen))
			}
		default:
			return NewValidationError("metadata.custom."+k, "must be a string, number, boolean or null")
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct runs struct-tag validation and reports the first failure as a
// ValidationError named after the JSON field.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewValidationError("request", err.Error())
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	return NewValidationError(field, ruleMessage(fe))
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds maximum of " + fe.Param()
	case "min":
		return "is below minimum of " + fe.Param()
	case "printascii":
		return "must contain printable ASCII only"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
		}
		return "must satisfy " + fe.Tag()
	}
}

func prefixField(prefix string, err error) error {
	var ve ValidationError
	if errors.As(err, &ve) {
		return NewValidationError(prefix+"."+ve.Field, ve.Message)
	}
	return err
}
