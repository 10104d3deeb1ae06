package validation

import (
	"errors"
	"testing"

	"github.com/mmeshcher/ordersync/internal/model"
)

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		valid bool
	}{
		{name: "ten digits", phone: "9876543210", valid: true},
		{name: "with country code", phone: "+919876543210", valid: true},
		{name: "too short", phone: "12345", valid: false},
		{name: "contains letters", phone: "98765a3210", valid: false},
		{name: "empty string", phone: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidPhone(tt.phone)
			if got != tt.valid {
				t.Fatalf("IsValidPhone(%q) = %v, want %v", tt.phone, got, tt.valid)
			}
		})
	}
}

func TestIsValidPostalCode(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{name: "pin code", code: "560001", valid: true},
		{name: "uk style", code: "SW1A 1AA", valid: true},
		{name: "too short", code: "12", valid: false},
		{name: "bad symbol", code: "5600#1", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidPostalCode(tt.code)
			if got != tt.valid {
				t.Fatalf("IsValidPostalCode(%q) = %v, want %v", tt.code, got, tt.valid)
			}
		})
	}
}

func validAddress() model.ShippingAddress {
	return model.ShippingAddress{
		Name:       "Asha Rao",
		Phone:      "+919876543210",
		Address1:   "12 MG Road",
		City:       "Bengaluru",
		State:      "KA",
		PostalCode: "560001",
		Country:    "IN",
	}
}

func TestValidateCheckout(t *testing.T) {
	items := []model.Item{{ProductID: "case-1", VariantID: "iphone-15", Quantity: 2, UnitPrice: 49900}}

	tests := []struct {
		name   string
		items  []model.Item
		addr   func(a *model.ShippingAddress)
		method model.PaymentMethod
		valid  bool
	}{
		{name: "online", items: items, method: model.PaymentMethodOnline, valid: true},
		{name: "cod", items: items, method: model.PaymentMethodCOD, valid: true},
		{name: "unknown method", items: items, method: "barter", valid: false},
		{name: "empty cart", items: nil, method: model.PaymentMethodOnline, valid: false},
		{name: "bulk quantity", items: []model.Item{{ProductID: "case-1", VariantID: "iphone-15", Quantity: 250, UnitPrice: 49900}}, method: model.PaymentMethodCOD, valid: true},
		{name: "negative quantity", items: []model.Item{{ProductID: "case-1", Quantity: -1}}, method: model.PaymentMethodOnline, valid: false},
		{name: "zero quantity", items: []model.Item{{ProductID: "case-1"}}, method: model.PaymentMethodOnline, valid: false},
		{name: "missing city", items: items, addr: func(a *model.ShippingAddress) { a.City = " " }, method: model.PaymentMethodCOD, valid: false},
		{name: "bad phone", items: items, addr: func(a *model.ShippingAddress) { a.Phone = "call me" }, method: model.PaymentMethodCOD, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := validAddress()
			if tt.addr != nil {
				tt.addr(&addr)
			}
			err := ValidateCheckout(tt.items, addr, tt.method)
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidCheckout) {
				t.Fatalf("expected ErrInvalidCheckout, got %v", err)
			}
		})
	}
}
