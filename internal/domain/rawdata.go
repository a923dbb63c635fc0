package domain

import (
	"encoding/json"
	"fmt"
)

// Raw data schemas understood by this codebase.
const (
	SchemaPartialListing   = "blur-partial-listing"
	SchemaPartialBid       = "blur-partial-bid"
	SchemaPaymentProcessor = "payment-processor"
	SchemaPool             = "pool"
	SchemaGeneric          = "generic"
)

// RawData is the version-stamped, protocol-specific part of an order.
type RawData struct {
	Schema  string          `json:"schema"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// NewRawData encodes v under the given schema and version.
func NewRawData(schema string, version int, v any) (RawData, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return RawData{}, fmt.Errorf("encode %s raw data: %w", schema, err)
	}
	return RawData{Schema: schema, Version: version, Payload: payload}, nil
}

// Decode unmarshals the payload into v after checking schema and version.
func (r RawData) Decode(schema string, maxVersion int, v any) error {
	if r.Schema != schema {
		return fmt.Errorf("%w: want schema %s, got %q", ErrUnsupportedData, schema, r.Schema)
	}
	if r.Version < 1 || r.Version > maxVersion {
		return fmt.Errorf("%w: %s v%d", ErrUnsupportedData, schema, r.Version)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s raw data: %w", schema, err)
	}
	return nil
}

// PoolData is carried by orders backed by an AMM pool.
type PoolData struct {
	Pool    string `json:"pool"`
	TokenID string `json:"tokenId,omitempty"`
}
