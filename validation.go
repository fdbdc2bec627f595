package triviastream

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
	validateOnce sync.Once
	validate     *validator.Validate
	trans        ut.Translator
)

func requestValidator() (*validator.Validate, ut.Translator) {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Use JSON tag name for field names in error messages.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		trans, _ = uni.GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(validate, trans)
	})
	return validate, trans
}

// ValidateRequest checks a generation request. It returns a *RequestValidationError
// listing every failed field.
func ValidateRequest(req GenerationRequest) error {
	v, tr := requestValidator()

	var details []FieldError
	if err := v.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return &RequestValidationError{Details: []FieldError{{Field: "detail", Message: err.Error()}}}
		}
		for _, fe := range ve {
			details = append(details, FieldError{Field: fe.Field(), Message: fe.Translate(tr)})
		}
	}
	if strings.TrimSpace(req.Topic) == "" && req.Topic != "" {
		details = append(details, FieldError{Field: "topic", Message: "topic must not be blank"})
	}
	if req.InitialQuestion != nil {
		if err := req.InitialQuestion.Validate(WordLimits{}); err != nil {
			details = append(details, FieldError{Field: "initialQuestion", Message: err.Error()})
		}
	}

	if len(details) > 0 {
		return &RequestValidationError{Details: details}
	}
	return nil
}
