package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var tagMessages = map[string]string{
	"required": "is required",
	"uuid":     "must be a UUID",
	"url":      "must be a URL",
	"oneof":    "must be one of",
	"max":      "is too long",
	"min":      "is too short",
}

// RequestValidator implements echo.Validator with go-playground/validator.
// Field names in errors follow the json tags.
type RequestValidator struct {
	v *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &RequestValidator{v: v}
}

// Validate returns a 400 echo.HTTPError listing every failing field.
func (rv *RequestValidator) Validate(i interface{}) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = "failed " + fe.Tag()
		}
		if fe.Param() != "" && fe.Tag() == "oneof" {
			msg += " " + fe.Param()
		}
		fields = append(fields, FieldError{Field: fe.Field(), Message: msg})
	}
	return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
		"error":  "invalid_input",
		"fields": fields,
	}).SetInternal(err)
}
