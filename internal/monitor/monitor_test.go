package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewContractMonitor(t *testing.T) {
	testSchemaContent := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"title": "TestSchema",
		"type": "object",
		"properties": { "gateway": { "type": "string" } },
		"required": ["gateway"]
	}`
	schemaDir := t.TempDir()
	schemaFile := filepath.Join(schemaDir, "test_schema.json")
	if err := os.WriteFile(schemaFile, []byte(testSchemaContent), 0644); err != nil {
		t.Fatalf("Failed to write test schema file: %v", err)
	}

	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := NewContractMonitor(schemaFile)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if cm == nil || cm.schema == nil {
			t.Fatal("Expected compiled ContractMonitor, got nil")
		}
		valid, errs, err := cm.Validate([]byte(`{"gateway": "wallet_redirect"}`))
		if err != nil || !valid {
			t.Fatalf("Expected valid document, got valid=%v errs=%v err=%v", valid, errs, err)
		}
	})

	t.Run("SchemaFileNotFound", func(t *testing.T) {
		_, err := NewContractMonitor(filepath.Join(schemaDir, "non_existent_schema.json"))
		if err == nil {
			t.Fatal("Expected error for non-existent schema, got nil")
		}
		if !strings.Contains(err.Error(), "error loading or compiling schema") {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		invalidSchemaFile := filepath.Join(schemaDir, "invalid_schema.json")
		if err := os.WriteFile(invalidSchemaFile, []byte("{invalid_json"), 0644); err != nil {
			t.Fatalf("Failed to write invalid test schema file: %v", err)
		}
		_, err := NewContractMonitor(invalidSchemaFile)
		if err == nil {
			t.Fatal("Expected error for invalid schema syntax, got nil")
		}
	})
}

func TestDefaultContracts_Validate(t *testing.T) {
	contracts := MustDefaultContracts()

	tests := []struct {
		name          string
		contract      string
		payload       string
		expectValid   bool
		expectErrors  bool
		errorContains []string
	}{
		{
			name:        "StartSession",
			contract:    ContractStartSession,
			payload:     `{"cart": {"currency": "MDL", "items": [{"productId": "p-1", "title": "Ficus", "quantity": 2, "unitPrice": "125.00"}]}}`,
			expectValid: true,
		},
		{
			name:          "StartSession_MissingCart",
			contract:      ContractStartSession,
			payload:       `{}`,
			expectErrors:  true,
			errorContains: []string{"cart is required"},
		},
		{
			name:          "StartSession_FloatPrice",
			contract:      ContractStartSession,
			payload:       `{"cart": {"currency": "MDL", "items": [{"productId": "p-1", "quantity": 1, "unitPrice": 12.5}]}}`,
			expectErrors:  true,
			errorContains: []string{"unitPrice"},
		},
		{
			name:        "Pay",
			contract:    ContractPay,
			payload:     `{"gateway": "hosted_card_element"}`,
			expectValid: true,
		},
		{
			name:          "Pay_UnknownGateway",
			contract:      ContractPay,
			payload:       `{"gateway": "barter"}`,
			expectErrors:  true,
			errorContains: []string{"gateway"},
		},
		{
			name:          "Shipping_UnknownField",
			contract:      ContractShipping,
			payload:       `{"fullName": "Ana", "planet": "Mars"}`,
			expectErrors:  true,
			errorContains: []string{"planet"},
		},
		{
			name:          "ConfirmCard_EmptyMethod",
			contract:      ContractConfirmCard,
			payload:       `{"paymentMethodId": ""}`,
			expectErrors:  true,
			errorContains: []string{"paymentMethodId"},
		},
		{
			name:        "ApproveWallet",
			contract:    ContractApproveWallet,
			payload:     `{"orderId": "5O190127TN364715T", "payerId": "FSMVU44LF3YUS"}`,
			expectValid: true,
		},
		{
			name:        "LocalPayNotification",
			contract:    ContractLocalPayNotification,
			payload:     `{"paymentId": "lp-1", "orderId": "O-1", "status": "paid", "amount": "250.00", "currency": "MDL"}`,
			expectValid: true,
		},
		{
			name:          "LocalPayNotification_PaidWithoutAmount",
			contract:      ContractLocalPayNotification,
			payload:       `{"paymentId": "lp-1", "orderId": "O-1", "status": "paid"}`,
			expectErrors:  true,
			errorContains: []string{"amount", "currency"},
		},
		{
			name:        "LocalPayNotification_FailedWithoutAmount",
			contract:    ContractLocalPayNotification,
			payload:     `{"paymentId": "lp-1", "orderId": "O-1", "status": "failed", "reason": "insufficient_funds"}`,
			expectValid: true,
		},
		{
			name:         "MalformedJSON",
			contract:     ContractPay,
			payload:      `{"gateway": `,
			expectErrors: true,
		},
		{
			name:         "UnknownContract",
			contract:     "refund",
			payload:      `{}`,
			expectErrors: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, validationErrs, funcErr := contracts.Validate(tt.contract, []byte(tt.payload))

			if tt.expectErrors {
				if funcErr == nil && len(validationErrs) == 0 {
					t.Errorf("Expected errors, but got none")
				}
			} else {
				if funcErr != nil {
					t.Errorf("Expected no functional error, got %v", funcErr)
				}
				if len(validationErrs) > 0 {
					t.Errorf("Expected no validation errors, got %v", validationErrs)
				}
			}

			if valid != tt.expectValid {
				t.Errorf("Expected valid=%v, got valid=%v. ValidationErrors: %v, FuncErr: %v", tt.expectValid, valid, validationErrs, funcErr)
			}

			combined := strings.Join(validationErrs, "; ")
			for _, ec := range tt.errorContains {
				if !strings.Contains(combined, ec) {
					t.Errorf("Expected errors to contain '%s', but got: %s", ec, combined)
				}
			}
		})
	}
}

func TestNewContracts_BadSchema(t *testing.T) {
	_, err := NewContracts(map[string]string{"broken": "{not json"})
	if err == nil {
		t.Fatal("Expected error for broken schema, got nil")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error to name the contract, got %v", err)
	}
}

func TestFormatErrors(t *testing.T) {
	tests := []struct {
		name           string
		errors         []string
		expectedOutput string
	}{
		{"NoErrors", nil, ""},
		{"SingleError", []string{"gateway is required"}, "Validation errors: gateway is required"},
		{"MultipleErrors", []string{"Error 1", "Error 2"}, "Validation errors: Error 1; Error 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if output := FormatErrors(tt.errors); output != tt.expectedOutput {
				t.Errorf("Expected '%s', got '%s'", tt.expectedOutput, output)
			}
		})
	}
}
