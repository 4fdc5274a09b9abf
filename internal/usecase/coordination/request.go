package coordination

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"agentcoord/internal/domain"
)

//go:embed request.schema.json
var requestSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func requestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.NewCompiler().Compile(requestSchemaJSON)
	})
	return schema, schemaErr
}

// DecodeRequest parses a JSON coordination request, checks it against the
// request schema and returns it normalized.
func DecodeRequest(data []byte) (domain.CoordinationRequest, error) {
	const op = "coordination.DecodeRequest"
	invalid := func(detail string) error {
		return domain.NewSubSystemError(domain.SubSystemCoordination, op, domain.ErrInvalidInput, detail)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.CoordinationRequest{}, invalid(fmt.Sprintf("parse request: %v", err))
	}
	s, err := requestSchema()
	if err != nil {
		return domain.CoordinationRequest{}, fmt.Errorf("compile request schema: %w", err)
	}
	if result := s.Validate(raw); !result.IsValid() {
		return domain.CoordinationRequest{}, invalid(fmt.Sprintf("%s", result.Error()))
	}

	var req domain.CoordinationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.CoordinationRequest{}, invalid(fmt.Sprintf("decode request: %v", err))
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return domain.CoordinationRequest{}, invalid(err.Error())
	}
	return req, nil
}
