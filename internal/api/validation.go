package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// newValidator returns a validator that reports JSON field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// requestError is a 400 with a message safe to return to the client.
type requestError struct {
	message string
}

func (e *requestError) Error() string {
	return e.message
}

// decodeAndValidate reads a JSON body into dst and validates it.
func (s *Server) decodeAndValidate(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &requestError{message: "Request body is required"}
		}
		return &requestError{message: "Invalid JSON body"}
	}

	if err := s.validate.Struct(dst); err != nil {
		return &requestError{message: formatValidationErrors(err)}
	}
	return nil
}

// parseAmount accepts only a bare JSON number.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	literal := strings.TrimSpace(string(raw))
	if literal == "" || literal == "null" {
		return decimal.Zero, &requestError{message: "amount: This field is required"}
	}
	if literal[0] == '"' {
		return decimal.Zero, &requestError{message: "amount: Must be a number"}
	}

	amount, err := decimal.NewFromString(literal)
	if err != nil {
		return decimal.Zero, &requestError{message: "amount: Must be a number"}
	}
	return amount, nil
}

// formatValidationErrors joins field errors into one human-readable message.
func formatValidationErrors(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return "Invalid request"
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s: %s", e.Field(), validationMessage(e)))
	}
	return strings.Join(messages, "; ")
}

// validationMessage returns a human-readable validation message
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "max":
		if e.Type().Kind() == reflect.String {
			return "Must be at most " + e.Param() + " characters"
		}
		return "Must be at most " + e.Param()
	case "oneof":
		return "Must be one of: " + e.Param()
	case "hexadecimal":
		return "Must be hexadecimal"
	default:
		return "Invalid value"
	}
}
