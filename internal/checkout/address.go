package checkout

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
)

// AddressValidator decides whether a shipping address is deliverable.
type AddressValidator interface {
	ValidateAddress(ctx context.Context, addr ledger.ShippingInfo) (bool, error)
}

// AcceptAll accepts every address that passed the local field checks.
type AcceptAll struct{}

func (AcceptAll) ValidateAddress(context.Context, ledger.ShippingInfo) (bool, error) {
	return true, nil
}

// HTTPAddressValidator posts the address to a validation service; a 2xx
// answer accepts it and a 4xx answer rejects it.
type HTTPAddressValidator struct {
	url    string
	client *http.Client
}

// NewHTTPAddressValidator creates a validator posting to url. A nil client
// uses http.DefaultClient.
func NewHTTPAddressValidator(url string, client *http.Client) *HTTPAddressValidator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAddressValidator{url: url, client: client}
}

func (h *HTTPAddressValidator) ValidateAddress(ctx context.Context, addr ledger.ShippingInfo) (bool, error) {
	status, err := postJSON(ctx, h.client, h.url, addr, nil)
	if err != nil {
		return false, fmt.Errorf("address validation failed: %w", err)
	}
	switch {
	case status >= 200 && status < 300:
		return true, nil
	case status >= 400 && status < 500:
		return false, nil
	default:
		return false, fmt.Errorf("address validation failed: HTTP %d", status)
	}
}
