package handlers

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/negotiation"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("clock_time", func(fl validator.FieldLevel) bool {
		_, err := model.ParseClockTime(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("iso_date", func(fl validator.FieldLevel) bool {
		_, err := model.ParseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// tagCodes maps a failing validation tag to the domain code clients already
// handle for that kind of field.
var tagCodes = map[string]negotiation.Code{
	"clock_time": negotiation.CodeInvalidTime,
	"iso_date":   negotiation.CodeInvalidDate,
	"email":      negotiation.CodeInvalidTarget,
}

const codeInvalidRequest = "invalid_request"

// validationFailure reports the first failing field with its code.
func validationFailure(err error) (code string, msg string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return codeInvalidRequest, "request is invalid"
	}
	first := verrs[0]
	code = codeInvalidRequest
	if c, ok := tagCodes[first.Tag()]; ok {
		code = string(c)
	}
	msg = first.Field() + " is invalid"
	if first.Tag() == "max" {
		msg = first.Field() + " must be at most " + first.Param() + " characters"
	}
	return code, msg
}
