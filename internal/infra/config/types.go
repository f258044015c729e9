package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where brokerlink operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Adapter names a broker session implementation.
type Adapter string

const (
	// AdapterPaper selects the in-process paper venue.
	AdapterPaper Adapter = "paper"
	// AdapterClientPortal selects the Client Portal gateway.
	AdapterClientPortal Adapter = "clientportal"
)

// Amount is a decimal accepting quoted or bare YAML scalars.
type Amount struct {
	decimal.Decimal
	set bool
}

// NewAmount wraps d.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d, set: true}
}

// UnmarshalYAML parses the scalar as a decimal.
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*a = Amount{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*a = Amount{}
		return nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return fmt.Errorf("invalid decimal %q", node.Value)
	}
	*a = Amount{Decimal: d, set: true}
	return nil
}

// MarshalYAML renders the decimal as a string.
func (a Amount) MarshalYAML() (any, error) {
	if !a.set {
		return nil, nil
	}
	return a.String(), nil
}

// IsSet reports whether a value was provided.
func (a Amount) IsSet() bool { return a.set }
