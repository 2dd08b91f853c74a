package monitor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ContractMonitor validates inbound JSON documents against a JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor loads and compiles the schema at schemaPath.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	abs, err := filepath.Abs(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", schemaPath, err)
	}
	return compile(schemaPath, gojsonschema.NewReferenceLoader("file://"+filepath.ToSlash(abs)))
}

// NewContractMonitorFromString compiles an inline schema.
func NewContractMonitorFromString(name, schema string) (*ContractMonitor, error) {
	return compile(name, gojsonschema.NewStringLoader(schema))
}

func compile(name string, loader gojsonschema.JSONLoader) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// Validate validates body against the schema. It returns true if valid, or
// false and the list of violations.
func (cm *ContractMonitor) Validate(body []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}

// Contracts holds one compiled monitor per named contract.
type Contracts struct {
	monitors map[string]*ContractMonitor
}

// NewContracts compiles every schema in schemas, keyed by contract name.
func NewContracts(schemas map[string]string) (*Contracts, error) {
	c := &Contracts{monitors: make(map[string]*ContractMonitor, len(schemas))}
	for name, s := range schemas {
		m, err := NewContractMonitorFromString(name, s)
		if err != nil {
			return nil, err
		}
		c.monitors[name] = m
	}
	return c, nil
}

// MustDefaultContracts compiles the built-in checkout contracts.
func MustDefaultContracts() *Contracts {
	c, err := NewContracts(DefaultSchemas())
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks body against the named contract. Unknown contract names
// are an error.
func (c *Contracts) Validate(name string, body []byte) (bool, []string, error) {
	m, ok := c.monitors[name]
	if !ok {
		return false, nil, fmt.Errorf("unknown contract %q", name)
	}
	return m.Validate(body)
}
