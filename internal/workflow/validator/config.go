package validator

import (
	"fmt"
	"regexp"
	"sync"

	"flowstudio/internal/workflow/models"
)

var patternCache sync.Map // string -> *regexp.Regexp

// ValidateNodeConfig checks a node's config against its type schema and
// returns every violation. A schema with an invalid pattern or an unknown
// field kind is a programming error and panics.
func ValidateNodeConfig(node *models.Node, schema models.NodeTypeSchema) ValidationErrors {
	var errs ValidationErrors
	for _, field := range schema.Fields {
		value, present := node.Config[field.Name]
		if !present || value.IsZero() {
			if field.Required {
				errs = append(errs, ValidationError{
					Code:    MissingRequiredField,
					NodeID:  node.ID,
					Field:   field.Name,
					Message: fmt.Sprintf("%s is required", field.Name),
				})
			}
			continue
		}
		if err := checkField(node.ID, field, value); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func checkField(nodeID string, field models.FieldSchema, value models.ConfigValue) *ValidationError {
	switch field.Kind {
	case models.KindNumber, models.KindString, models.KindBoolean, models.KindArray, models.KindObject:
	default:
		panic(fmt.Sprintf("schema field %q has unknown kind %q", field.Name, field.Kind))
	}

	if value.Kind != field.Kind {
		return &ValidationError{
			Code:    TypeMismatch,
			NodeID:  nodeID,
			Field:   field.Name,
			Message: fmt.Sprintf("expected %s, got %s", field.Kind, value.Kind),
		}
	}

	switch field.Kind {
	case models.KindNumber:
		if field.Min != nil && value.Number < *field.Min {
			return &ValidationError{
				Code:    RangeError,
				NodeID:  nodeID,
				Field:   field.Name,
				Message: fmt.Sprintf("%v is below minimum %v", value.Number, *field.Min),
			}
		}
		if field.Max != nil && value.Number > *field.Max {
			return &ValidationError{
				Code:    RangeError,
				NodeID:  nodeID,
				Field:   field.Name,
				Message: fmt.Sprintf("%v is above maximum %v", value.Number, *field.Max),
			}
		}
	case models.KindString:
		if field.Pattern != "" && !compilePattern(field).MatchString(value.String) {
			return &ValidationError{
				Code:    PatternMismatch,
				NodeID:  nodeID,
				Field:   field.Name,
				Message: fmt.Sprintf("value does not match %s", field.Pattern),
			}
		}
	}
	return nil
}

func compilePattern(field models.FieldSchema) *regexp.Regexp {
	if re, ok := patternCache.Load(field.Pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile(field.Pattern)
	if err != nil {
		panic(fmt.Sprintf("schema field %q has invalid pattern: %v", field.Name, err))
	}
	patternCache.Store(field.Pattern, re)
	return re
}
