package utils

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		// decimal_gte0: decimal.Decimal (or *decimal.Decimal, nil allowed) must not be negative
		_ = validate.RegisterValidation("decimal_gte0", func(fl validator.FieldLevel) bool {
			switch v := fl.Field().Interface().(type) {
			case decimal.Decimal:
				return !v.IsNegative()
			case *decimal.Decimal:
				return v == nil || !v.IsNegative()
			case Amount:
				return !v.IsNegative()
			default:
				return false
			}
		})
	})
	return validate
}

// ValidateStruct runs struct tags and reports failures as a validation error.
func ValidateStruct(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	fields := ProcessValidationErrors(err)
	if len(fields) == 0 {
		return reconcile.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(fields))
	for f, tag := range fields {
		msgs = append(msgs, f+" failed "+tag)
	}
	sort.Strings(msgs)
	return reconcile.Validationf("invalid input: %s", strings.Join(msgs, ", "))
}

// ProcessValidationErrors maps field namespace to the failed tag.
func ProcessValidationErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return out
	}
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		out[ns] = fe.Tag()
	}
	return out
}
