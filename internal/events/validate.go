package events

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	v.RegisterStructValidation(validateMoney, Money{})
	return v
}

func validateMoney(sl validator.StructLevel) {
	m, ok := sl.Current().Interface().(Money)
	if !ok {
		return
	}
	if m.amount.IsNegative() {
		sl.ReportError(m.amount, "amount", "amount", "gte", "0")
	}
	if len(m.currencyCode) != 3 {
		sl.ReportError(m.currencyCode, "currency_code", "currency_code", "len", "3")
	}
}

// Validate runs the structural checks declared for ev's variant. Variants
// without declared constraints pass. The returned error carries
// CodeValidation with a field -> message map as details.
func Validate(ev Event) error {
	if ev == nil || reflect.ValueOf(ev).IsNil() {
		return pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	switch e := ev.(type) {
	case *FinancialTransaction:
		return structErrors(e.Type(), validate.Struct(e))
	case *AccountCreation:
		return structErrors(e.Type(), validate.Struct(e))
	case *ComplianceAlert, *BalanceAdjustment, *AuditLog:
		return nil
	default:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrUnknownEventType, fmt.Sprintf("unsupported event %T", ev))
	}
}

func structErrors(eventType enums.EventType, err error) error {
	if err == nil {
		return nil
	}
	if errs, ok := err.(validator.ValidationErrors); ok {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[fieldPath(fieldErr)] = validationMessage(fieldErr)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s validation failed", eventType)).WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("%s validation failed", eventType))
}

// fieldPath drops the root struct name so details read "amount.currency_code".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	}
	return "is invalid"
}
