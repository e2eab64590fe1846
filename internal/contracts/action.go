package contracts

import (
	"fmt"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

// ActionDoc is the validated, canonical shape of an xiaobo_action_v1
// response: the executor's declared outcome for one task attempt.
type ActionDoc struct {
	ResultType planmodel.ResultType

	// ARTIFACT
	ArtifactName   string
	ArtifactFormat planmodel.ArtifactFormat
	ArtifactBody   string

	// NEEDS_INPUT
	NeededDocs []NeededDoc

	// ERROR
	ErrorCode    string
	ErrorMessage string
}

type NeededDoc struct {
	Name          string
	SuggestedPath string
	Reason        string
}

var actionKeyAliases = map[string]string{
	"type": "result_type",
}

// NormalizeActionJSON peels known wrapper keys and aliases result_type.
func NormalizeActionJSON(raw map[string]any) map[string]any {
	m := peelWrapper(raw, "result", "data", "action")
	aliasKeys(m, actionKeyAliases)
	return m
}

// ValidateActionJSON strictly validates a normalized xiaobo_action_v1 payload.
// Exactly one of the conditionally required sub-objects must be present,
// matching result_type.
func ValidateActionJSON(m map[string]any) (ActionDoc, error) {
	var doc ActionDoc

	rt, _ := asString(m["result_type"])
	if !planmodel.ResultType(rt).Valid() {
		return doc, &ValidatorError{Schema: SchemaXiaoboAction, Path: "result_type",
			Expected: "one of ARTIFACT, NEEDS_INPUT, NOOP, ERROR", Got: rt,
			Example: `"result_type": "ARTIFACT"`}
	}
	doc.ResultType = planmodel.ResultType(rt)

	switch doc.ResultType {
	case planmodel.ResultArtifact:
		artifact, _ := m["artifact"].(map[string]any)
		if artifact == nil {
			return doc, &ValidatorError{Schema: SchemaXiaoboAction, Path: "artifact",
				Expected: "object required when result_type=ARTIFACT", Got: m["artifact"]}
		}
		doc.ArtifactName, _ = asString(artifact["name"])
		format, _ := asString(artifact["format"])
		if !planmodel.ArtifactFormat(format).Valid() {
			return doc, &ValidatorError{Schema: SchemaXiaoboAction, Path: "artifact.format",
				Expected: "one of md, txt, json, html, css, js", Got: format}
		}
		doc.ArtifactFormat = planmodel.ArtifactFormat(format)
		doc.ArtifactBody, _ = asString(artifact["body"])
		if doc.ArtifactBody == "" {
			return doc, &ValidatorError{Schema: SchemaXiaoboAction, Path: "artifact.body",
				Expected: "non-empty string", Got: artifact["body"]}
		}

	case planmodel.ResultNeedsInput:
		rawDocs := asObjectSlice(m["needed_docs"])
		if len(rawDocs) == 0 {
			return doc, &ValidatorError{Schema: SchemaXiaoboAction, Path: "needed_docs",
				Expected: "non-empty array required when result_type=NEEDS_INPUT", Got: m["needed_docs"],
				Example: `"needed_docs": [{"name": "product_spec", "suggested_path": "inputs/product_spec/spec.md"}]`}
		}
		for i, d := range rawDocs {
			name, _ := asString(d["name"])
			if name == "" {
				return doc, &ValidatorError{Schema: SchemaXiaoboAction, Path: fmt.Sprintf("needed_docs[%d].name", i),
					Expected: "non-empty string", Got: d["name"]}
			}
			nd := NeededDoc{Name: name}
			nd.SuggestedPath, _ = asString(d["suggested_path"])
			nd.Reason, _ = asString(d["reason"])
			doc.NeededDocs = append(doc.NeededDocs, nd)
		}

	case planmodel.ResultError:
		doc.ErrorCode, _ = asString(m["error_code"])
		if doc.ErrorCode == "" {
			return doc, &ValidatorError{Schema: SchemaXiaoboAction, Path: "error_code",
				Expected: "non-empty string required when result_type=ERROR", Got: m["error_code"]}
		}
		doc.ErrorMessage, _ = asString(m["error_message"])

	case planmodel.ResultNoop:
		// no sub-object required
	}

	return doc, nil
}
