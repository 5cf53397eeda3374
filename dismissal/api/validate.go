package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"carline/dismissal/dbtypes"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

// Custom validation tags.
const (
	notBlankTag      = "notblank"
	roleTag          = "role"
	permissionTag    = "permission"
	transportModeTag = "transportmode"
	subscriptionTag  = "subscription"
)

func init() {
	var err error
	validate, translator, err = newValidator()
	if err != nil {
		panic(fmt.Sprintf("while setting up request validation: %v", err))
	}
}

func newValidator() (*validator.Validate, ut.Translator, error) {
	v := validator.New()

	english := en.New()
	uni := ut.New(english, english)
	trans, found := uni.GetTranslator("en")
	if !found {
		return nil, nil, errors.New("no english translator")
	}
	if err := en_translations.RegisterDefaultTranslations(v, trans); err != nil {
		return nil, nil, fmt.Errorf("while registering default translations: %w", err)
	}

	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	custom := map[string]validator.Func{
		notBlankTag:      notBlank,
		roleTag:          stringIs(func(s string) bool { return dbtypes.Role(s).Valid() }),
		permissionTag:    stringIs(func(s string) bool { return dbtypes.Permission(s).Valid() }),
		transportModeTag: stringIs(func(s string) bool { return dbtypes.TransportationMode(s).Valid() }),
		subscriptionTag:  stringIs(func(s string) bool { return dbtypes.SubscriptionStatus(s).Valid() }),
	}

	// The default translations are already registered, so the register
	// function has nothing left to do.
	noop := func(ut.Translator) error { return nil }
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, nil, fmt.Errorf("while registering %q validation: %w", tag, err)
		}
		if err := v.RegisterTranslation(tag, trans, noop, translateCustom); err != nil {
			return nil, nil, fmt.Errorf("while registering %q translation: %w", tag, err)
		}
	}

	return v, trans, nil
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return fmt.Sprintf("%s cannot be blank", fe.Field())
	case roleTag:
		return fmt.Sprintf("%q is not a role", fe.Value())
	case permissionTag:
		return fmt.Sprintf("%q is not a permission", fe.Value())
	case transportModeTag:
		return fmt.Sprintf("%q is not a transportation mode", fe.Value())
	case subscriptionTag:
		return fmt.Sprintf("%q is not a subscription status", fe.Value())
	}
	return fe.Error()
}

func notBlank(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	return strings.TrimSpace(fl.Field().String()) != ""
}

// stringIs adapts a predicate on string-kinded fields, including named types
// like dbtypes.Role.
func stringIs(ok func(string) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return false
		}
		return ok(fl.Field().String())
	}
}

// validateRequest checks dst's validate tags.  Failures come back as a
// *requestError carrying one message per JSON field.
func validateRequest(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("while validating request: %w", err)
	}

	fields := map[string]string{}
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(translator)
	}
	return &requestError{msg: "invalid request", fields: fields}
}
