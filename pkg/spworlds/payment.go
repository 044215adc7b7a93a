package spworlds

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidatePayment checks a payment request against the limits the API
// enforces. Data is checked first, then every item in order.
func ValidatePayment(req *PaymentRequest) error {
	if req == nil {
		return &ValidationError{Field: "items", Index: -1, Rule: "required"}
	}
	if err := validate.Var(req.Data, "max=100"); err != nil {
		return &ValidationError{Field: "data", Index: -1, Rule: "max", Param: "100"}
	}
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Index: -1, Rule: "min", Param: "1"}
	}

	for i := range req.Items {
		if err := validate.Struct(&req.Items[i]); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
				fe := fieldErrs[0]
				return &ValidationError{Field: fe.Field(), Index: i, Rule: fe.Tag(), Param: fe.Param()}
			}
			return err
		}
	}

	return nil
}
