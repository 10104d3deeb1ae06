// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/mmeshcher/ordersync/internal/model"
)

// ErrInvalidCheckout возвращается, если данные оформления заказа некорректны.
var ErrInvalidCheckout = errors.New("invalid checkout request")

// IsValidPhone проверяет номер телефона: от 10 до 15 цифр, допускается ведущий '+'.
func IsValidPhone(phone string) bool {
	phone = strings.TrimPrefix(phone, "+")
	if len(phone) < 10 || len(phone) > 15 {
		return false
	}
	for _, ch := range phone {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// IsValidPostalCode проверяет почтовый индекс: от 3 до 10 букв и цифр, допускаются пробел и дефис.
func IsValidPostalCode(code string) bool {
	if len(code) < 3 || len(code) > 10 {
		return false
	}
	for _, ch := range code {
		if !unicode.IsDigit(ch) && !unicode.IsLetter(ch) && ch != ' ' && ch != '-' {
			return false
		}
	}
	return true
}

// ValidateItems проверяет позиции корзины.
func ValidateItems(items []model.Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrInvalidCheckout)
	}
	for i, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			return fmt.Errorf("%w: item %d: product id is required", ErrInvalidCheckout, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be positive", ErrInvalidCheckout, i)
		}
		if it.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d: negative price", ErrInvalidCheckout, i)
		}
	}
	return nil
}

// ValidateAddress проверяет адрес доставки.
func ValidateAddress(a model.ShippingAddress) error {
	required := []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"address1", a.Address1},
		{"city", a.City},
		{"state", a.State},
		{"country", a.Country},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidCheckout, f.name)
		}
	}
	if !IsValidPhone(a.Phone) {
		return fmt.Errorf("%w: invalid phone", ErrInvalidCheckout)
	}
	if !IsValidPostalCode(a.PostalCode) {
		return fmt.Errorf("%w: invalid postal code", ErrInvalidCheckout)
	}
	return nil
}

// ValidateCheckout проверяет корзину, адрес и способ оплаты перед созданием заказа.
func ValidateCheckout(items []model.Item, addr model.ShippingAddress, method model.PaymentMethod) error {
	if method != model.PaymentMethodOnline && method != model.PaymentMethodCOD {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidCheckout, method)
	}
	if err := ValidateItems(items); err != nil {
		return err
	}
	return ValidateAddress(addr)
}
