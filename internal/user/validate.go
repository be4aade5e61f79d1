package user

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/authsvc/internal/model"
)

// passwordTooLongMessage はbcryptの入力上限（72バイト）を超えたパスワードへの応答。
const passwordTooLongMessage = "password must be at most 72 bytes"

var validate = newValidator()

// newValidator はバイト長で上限を判定するmaxbytesタグを登録したバリデーターを返す。
// maxはルーン数で数えるため、マルチバイト文字のパスワードをbcryptの上限で弾けない。
func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		limit, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return len(fl.Field().String()) <= limit
	}); err != nil {
		panic(fmt.Sprintf("failed to register maxbytes validation: %v", err))
	}
	return v
}

// validateStruct はタグに従って入力を検証し、失敗時はKindValidationを返す。
func validateStruct(op string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.Validation(op, "invalid input")
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return model.Validation(op, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "maxbytes":
		return fmt.Sprintf("%s must be at most %s bytes", field, fe.Param())
	default:
		return field + " is invalid"
	}
}
