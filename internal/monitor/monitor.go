// Package monitor checks API request bodies against their JSON schema
// contracts before the handlers bind them.
package monitor

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"
)

// Contract names of the embedded schemas.
const (
	CheckoutOrder = "checkout_order"
	PushPayment   = "push_payment"
	CardPayment   = "card_payment"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ContractMonitor validates request bodies against one JSON schema.
type ContractMonitor struct {
	name   string
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles schema under name.
func NewContractMonitor(name string, schema []byte) (*ContractMonitor, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{name: name, schema: compiled}, nil
}

// Load returns the monitor for one of the embedded contracts.
func Load(name string) (*ContractMonitor, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown contract %s: %w", name, err)
	}
	return NewContractMonitor(name, raw)
}

// MustLoad is Load for contracts known at build time.
func MustLoad(name string) *ContractMonitor {
	cm, err := Load(name)
	if err != nil {
		panic(err)
	}
	return cm
}

// Name returns the contract name.
func (cm *ContractMonitor) Name() string { return cm.name }

// Validate validates requestBody against the schema.
// It returns true if valid, or false and a list of validation errors if invalid.
// A body that is not JSON at all is reported as an error.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}

// Middleware rejects requests whose body breaks the contract with 400 and
// hands the untouched body to the next handler otherwise.
func (cm *ContractMonitor) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		_ = c.Request.Body.Close()

		ok, errs, err := cm.Validate(body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "request body is not valid JSON"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":    FormatErrors(errs),
				"contract": cm.name,
				"details":  errs,
			})
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
