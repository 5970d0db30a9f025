package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/httputil"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeBody decodes a JSON body into dst and validates its struct tags. An
// empty body decodes to the zero value when allowEmpty is set.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return apperrors.ValidationError("Invalid request body")
		}
	}
	return validateStruct(dst)
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.ValidationError("Invalid request body")
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = "failed on '" + fe.Tag() + "'"
	}
	return apperrors.ValidationError("Request validation failed").WithDetails(details)
}
