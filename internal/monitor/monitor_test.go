package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContractMonitor(t *testing.T) {
	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := NewContractMonitor("test", []byte(`{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type": "object",
			"properties": { "name": { "type": "string" } },
			"required": ["name"]
		}`))
		require.NoError(t, err)
		assert.Equal(t, "test", cm.Name())
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		_, err := NewContractMonitor("broken", []byte("{invalid_json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error loading or compiling schema broken")
	})

	t.Run("UnknownContract", func(t *testing.T) {
		_, err := Load("refund")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown contract refund")
	})

	t.Run("EmbeddedContractsCompile", func(t *testing.T) {
		for _, name := range []string{CheckoutOrder, PushPayment, CardPayment} {
			assert.NotPanics(t, func() { MustLoad(name) }, name)
		}
	})
}

func TestContractMonitor_Validate(t *testing.T) {
	tests := []struct {
		name          string
		contract      string
		payload       string
		expectValid   bool
		expectErr     bool
		errorContains []string
	}{
		{
			name:        "PushValid",
			contract:    PushPayment,
			payload:     `{"orderRef": "ORD-1", "phone": "0712345678"}`,
			expectValid: true,
		},
		{
			name:          "PushMissingPhone",
			contract:      PushPayment,
			payload:       `{"orderRef": "ORD-1"}`,
			errorContains: []string{"(root): phone is required"},
		},
		{
			name:          "PushWrongType",
			contract:      PushPayment,
			payload:       `{"orderRef": "ORD-1", "phone": 712345678}`,
			errorContains: []string{"phone", "Invalid type"},
		},
		{
			name:        "CardValidWithExtraFields",
			contract:    CardPayment,
			payload:     `{"orderRef": "ORD-1", "card": {"number": "4242424242424242", "expiry": "12/28", "cvc": "123"}, "note": "gift"}`,
			expectValid: true,
		},
		{
			name:          "CardMissingCVC",
			contract:      CardPayment,
			payload:       `{"orderRef": "ORD-1", "card": {"number": "4242424242424242", "expiry": "12/28"}}`,
			errorContains: []string{"card: cvc is required"},
		},
		{
			name:     "CheckoutValid",
			contract: CheckoutOrder,
			payload: `{"items": [{"name": "Mug", "unitPrice": "1000.00", "quantity": 2}, {"name": "Tea", "unitPrice": 250, "quantity": 1}],
				"shipping": {"fullName": "A B", "email": "a@b.co", "phone": "0712345678", "address": "Moi Ave", "city": "Nairobi"},
				"currency": "KES"}`,
			expectValid: true,
		},
		{
			name:     "CheckoutEmptyCartAndBadCurrency",
			contract: CheckoutOrder,
			payload: `{"items": [],
				"shipping": {"fullName": "A B", "email": "a@b.co", "phone": "0712345678", "address": "Moi Ave", "city": "Nairobi"},
				"currency": "shillings"}`,
			errorContains: []string{"items", "currency"},
		},
		{
			name:          "CheckoutZeroQuantity",
			contract:      CheckoutOrder,
			payload:       `{"items": [{"name": "Mug", "unitPrice": 1, "quantity": 0}], "shipping": {"fullName": "A", "email": "a@b.co", "phone": "1", "address": "x", "city": "y"}}`,
			errorContains: []string{"items.0.quantity"},
		},
		{
			name:      "MalformedJSON",
			contract:  PushPayment,
			payload:   `{"orderRef": "ORD-1",`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, errs, err := MustLoad(tt.contract).Validate([]byte(tt.payload))
			assert.Equal(t, tt.expectValid, valid, "errors: %v", errs)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.expectValid {
				assert.Empty(t, errs)
				return
			}
			combined := strings.Join(errs, "; ")
			for _, ec := range tt.errorContains {
				assert.Contains(t, combined, ec)
			}
		})
	}
}

func TestFormatErrors(t *testing.T) {
	assert.Equal(t, "", FormatErrors(nil))
	assert.Equal(t, "Validation errors: Error: Field 'X' is required.", FormatErrors([]string{"Error: Field 'X' is required."}))
	assert.Equal(t, "Validation errors: Error 1; Error 2", FormatErrors([]string{"Error 1", "Error 2"}))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/push", MustLoad(PushPayment).Middleware(), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, string(body))
	})

	t.Run("PassesBodyThrough", func(t *testing.T) {
		payload := `{"orderRef":"ORD-1","phone":"0712345678"}`
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(payload)))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, payload, w.Body.String())
	})

	t.Run("RejectsContractViolation", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(`{"orderRef":"ORD-1"}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp struct {
			Error    string   `json:"error"`
			Contract string   `json:"contract"`
			Details  []string `json:"details"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, PushPayment, resp.Contract)
		assert.Contains(t, resp.Error, "phone is required")
		assert.Len(t, resp.Details, 1)
	})

	t.Run("RejectsMalformedJSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(`not json`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "not valid JSON")
	})
}
