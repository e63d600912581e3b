package envelope

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// schema describes the minimal invariants every envelope on a queue must
// satisfy: identity, routing, and version fields are always present.
const schemaJSON = `{
  "type": "object",
  "required": ["schema_version", "task_id", "url", "stage", "version"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "task_id": {"type": "string", "minLength": 1},
    "url": {"type": "string", "minLength": 1},
    "stage": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 1},
    "retries": {"type": "integer", "minimum": 0}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// ErrCorruptTask wraps a schema validation failure surfaced to the caller
// so the queue manager can route it to the failed set without retrying.
type ErrCorruptTask struct {
	Reasons []string
}

func (e *ErrCorruptTask) Error() string {
	return fmt.Sprintf("corrupt task envelope: %v", e.Reasons)
}

// Validate checks a raw JSON payload against the envelope schema before it
// is accepted onto any queue. A payload that fails validation is never
// enqueued as a retryable task; callers should route it straight to failed.
func Validate(payload string) error {
	documentLoader := gojsonschema.NewStringLoader(payload)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &ErrCorruptTask{Reasons: []string{err.Error()}}
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return &ErrCorruptTask{Reasons: reasons}
	}
	return nil
}
