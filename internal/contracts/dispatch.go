package contracts

import (
	"encoding/json"
	"fmt"
)

// NormalizeAndValidate runs the contract's normalizer then its validator for
// the given schema, returning the canonical JSON text (for persistence as
// LlmCall.NormalizedJSON) alongside the typed document. Re-running this on
// an already-normalized payload is required to be the identity: normalizers
// only ever rewrite keys/wrappers/containers, never semantic content, so a
// second pass finds nothing left to rewrite.
func NormalizeAndValidate(schema Schema, raw map[string]any) (normalizedJSON string, doc any, err error) {
	switch schema {
	case SchemaPlanJSON:
		normalized := NormalizePlanJSON(raw)
		d, verr := ValidatePlanJSON(normalized)
		if verr != nil {
			return "", nil, verr
		}
		return marshalOrEmpty(normalized), d, nil

	case SchemaXiaoboAction:
		normalized := NormalizeActionJSON(raw)
		d, verr := ValidateActionJSON(normalized)
		if verr != nil {
			return "", nil, verr
		}
		return marshalOrEmpty(normalized), d, nil

	case SchemaXiaojingReview:
		normalized := NormalizeReviewJSON(raw)
		d, verr := ValidateReviewJSON(normalized)
		if verr != nil {
			return "", nil, verr
		}
		return marshalOrEmpty(normalized), d, nil

	default:
		return "", nil, fmt.Errorf("contracts: unknown schema %q", schema)
	}
}

func marshalOrEmpty(m map[string]any) string {
	body, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(body)
}
