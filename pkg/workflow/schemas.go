package workflow

import (
	"fmt"
	"strings"

	"github.com/leadroute/leadroute/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var emptyConfigSchema = map[string]any{
	"type": "object",
}

// configSchemas describes the config object accepted by each node kind.
var configSchemas = map[models.NodeKind]map[string]any{
	models.NodeKindTrigger: emptyConfigSchema,
	models.NodeKindEnd:     emptyConfigSchema,
	models.NodeKindFilterService: {
		"type": "object",
		"properties": map[string]any{
			"services": map[string]any{
				"type":     "array",
				"maxItems": models.MaxServiceTypes,
				"items": map[string]any{
					"type":      "string",
					"minLength": 1,
					"maxLength": models.MaxServiceTypeLength,
				},
			},
		},
		"additionalProperties": false,
	},
	models.NodeKindHTTPAction: {
		"type":     "object",
		"required": []any{"partner_api_id"},
		"properties": map[string]any{
			"partner_api_id": map[string]any{
				"type":      "string",
				"minLength": 1,
			},
			"url": map[string]any{
				"type":    "string",
				"pattern": "^https?://",
			},
			"method": map[string]any{
				"type": "string",
				"enum": []any{"", "GET", "POST", "PUT", "PATCH"},
			},
		},
		"additionalProperties": false,
	},
	models.NodeKindBranch: {
		"type": "object",
		"properties": map[string]any{
			"field": map[string]any{
				"type": "string",
			},
			"operator": map[string]any{
				"type": "string",
				"enum": []any{
					"",
					string(models.BranchOperatorEquals),
					string(models.BranchOperatorNotEquals),
					string(models.BranchOperatorIn),
					string(models.BranchOperatorNotIn),
					string(models.BranchOperatorPrefix),
					string(models.BranchOperatorExists),
				},
			},
			"value": map[string]any{},
		},
		"additionalProperties": false,
	},
}

// ConfigSchema returns the JSON schema for a node kind's config.
func ConfigSchema(kind models.NodeKind) (map[string]any, bool) {
	schema, ok := configSchemas[kind]

	return schema, ok
}

func validateConfig(node *models.WorkflowNode) error {
	schema, ok := configSchemas[node.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNodeKind, node.Type)
	}

	config := node.Config
	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: schema validation error: %w", models.ErrInvalidNodeConfig, err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return fmt.Errorf("%w: %s", models.ErrInvalidNodeConfig, strings.Join(errs, "; "))
	}

	return nil
}
