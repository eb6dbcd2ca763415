// Package validation checks collaborator input before it reaches the snapshot.
package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func fail(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Collector gathers every field error of one input instead of stopping at
// the first.
type Collector struct {
	errors []ValidationError
}

// Add records err. Nil is ignored so checks can be passed straight in.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

func (c *Collector) HasErrors() bool { return len(c.errors) > 0 }

func (c *Collector) Errors() []ValidationError { return c.errors }

// Err returns the collected errors as Errors, or nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return Errors(c.errors)
}

// Errors is a non-empty list of validation failures.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Field + " " + v.Message
	}
	return strings.Join(parts, "; ")
}

// Text applies the free-text checks. A required field that is blank gets
// only the "is required" error.
func (c *Collector) Text(field, value string, max int, required bool) {
	if required {
		if err := ValidateRequired(field, value); err != nil {
			c.Add(err)
			return
		}
	}
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return fail(field, "must be valid UTF-8")
	}
	return nil
}

func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.IndexByte(value, 0) >= 0 {
		return fail(field, "must not contain null bytes")
	}
	return nil
}

// ValidateMaxLength counts runes, so Cyrillic text gets the same limit as
// Latin text.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return fail(field, "exceeds maximum length of %d characters", max)
	}
	return nil
}

// ValidateRequired rejects empty and whitespace-only values.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return fail(field, "is required")
	}
	return nil
}

// ValidateEnum is case-sensitive.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fail(field, "must be one of: %s", strings.Join(allowed, ", "))
}

// ValidateRange checks min <= value <= max.
func ValidateRange(field string, value, min, max int) *ValidationError {
	if value < min || value > max {
		return fail(field, "must be between %d and %d", min, max)
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(field, value string) *ValidationError {
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail(field, "must be an absolute http or https URL")
	}
	return nil
}

// ValidatePhone accepts an empty value or a dialable number written with
// digits, spaces, "+", "-" and parentheses, e.g. "+7 (900) 123-45-67".
func ValidatePhone(field, value string) *ValidationError {
	if value == "" {
		return nil
	}
	if len(value) > 32 {
		return fail(field, "must be at most 32 characters")
	}
	digits := 0
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune(" +-()", r):
		default:
			return fail(field, "may contain only digits, spaces, +, - and parentheses")
		}
	}
	if digits < 5 {
		return fail(field, "must contain at least 5 digits")
	}
	return nil
}

// ValidateTelegram accepts an empty value or a Telegram username with an
// optional leading "@": 5 to 32 letters, digits or underscores.
func ValidateTelegram(field, value string) *ValidationError {
	if value == "" {
		return nil
	}
	name := strings.TrimPrefix(value, "@")
	if n := len(name); n < 5 || n > 32 {
		return fail(field, "must be a Telegram username of 5 to 32 characters")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return fail(field, "may contain only latin letters, digits and underscores")
		}
	}
	return nil
}
