// Package validation provides input validation helpers for the trade API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size. Attachment uploads get
// their own, larger limit on the storage side-channel.
const MaxRequestSize = 1 << 20 // 1MB

var (
	// txHashRegex validates payment transaction hashes (0x-prefixed hex).
	txHashRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{8,128}$`)
	// currencyRegex validates currency codes like USDT, BTC, USD.
	currencyRegex = regexp.MustCompile(`^[A-Z]{3,8}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims, bounds, and strips null bytes from a string field.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidTxHash checks that a value looks like a payment transaction hash.
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !txHashRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a hex transaction hash"}
		}
		return nil
	}
}

// ValidCurrency checks that a value is an uppercase currency code.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !currencyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be an uppercase currency code"}
		}
		return nil
	}
}

// ValidAmount checks that a value is a positive decimal number.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		decimalCount := 0
		hasNonZero := false
		for i, c := range value {
			if c == '.' {
				decimalCount++
				if decimalCount > 1 || i == 0 || i == len(value)-1 {
					return &ValidationError{Field: field, Message: "invalid amount format"}
				}
				continue
			}
			if c < '0' || c > '9' {
				return &ValidationError{Field: field, Message: "invalid amount format"}
			}
			if c != '0' {
				hasNonZero = true
			}
		}
		if !hasNonZero {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// ValidRating checks a 1-5 star review rating.
func ValidRating(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 1 || value > 5 {
			return &ValidationError{Field: field, Message: "must be between 1 and 5"}
		}
		return nil
	}
}
