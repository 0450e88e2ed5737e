package models

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate     *validator.Validate
	trans        ut.Translator
	validateOnce sync.Once
)

func engine() (*validator.Validate, ut.Translator) {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		english := en.New()
		uni := ut.New(english, english)
		trans, _ = uni.GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(validate, trans)
	})
	return validate, trans
}

// ValidateStruct checks v against its validate tags and converts failures
// into a *ValidationError keyed by JSON field path.
func ValidateStruct(v interface{}) error {
	eng, tr := engine()
	err := eng.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("body", err.Error())
	}

	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		ns := e.Namespace()
		if i := strings.Index(ns, "."); i != -1 {
			ns = ns[i+1:]
		}
		msg := e.Translate(tr)
		if e.Tag() == "oneof" {
			msg = "must be one of [" + strings.ReplaceAll(e.Param(), " ", ", ") + "]"
		}
		fields[ns] = msg
	}
	return &ValidationError{Fields: fields}
}

// Validate checks the request for structural problems.
func (r CompletionRequest) Validate() error {
	return ValidateStruct(r)
}
