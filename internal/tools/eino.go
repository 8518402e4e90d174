package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// einoTool adapts a registry tool to the eino tool interfaces so the agent
// loop can bind it to the model.
type einoTool struct {
	registry *Registry
	spec     *Tool
}

func (e *einoTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	params, err := paramsFromSchema(e.spec.Schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", e.spec.Name, err)
	}
	return &schema.ToolInfo{
		Name:        e.spec.Name,
		Desc:        e.spec.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

func (e *einoTool) InvokableRun(ctx context.Context, argsJSON string, _ ...tool.Option) (string, error) {
	return e.registry.Execute(ctx, e.spec.Name, argsJSON)
}

// EinoTools exposes every registered tool for model binding.
func (r *Registry) EinoTools() []tool.BaseTool {
	specs := r.List()
	out := make([]tool.BaseTool, 0, len(specs))
	for _, spec := range specs {
		out = append(out, &einoTool{registry: r, spec: spec})
	}
	return out
}

// paramsFromSchema converts a flat JSON-Schema object into eino parameter
// descriptors. The builtin tools only use scalar and string-array fields.
func paramsFromSchema(s map[string]any) (map[string]*schema.ParameterInfo, error) {
	params := make(map[string]*schema.ParameterInfo)

	required := make(map[string]bool)
	if reqList, ok := s["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	} else if reqList, ok := s["required"].([]string); ok {
		for _, name := range reqList {
			required[name] = true
		}
	}

	props, _ := s["properties"].(map[string]any)
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("property %q is not an object", name)
		}
		info := &schema.ParameterInfo{
			Required: required[name],
		}
		if desc, ok := prop["description"].(string); ok {
			info.Desc = desc
		}
		switch prop["type"] {
		case "string", nil:
			info.Type = schema.String
		case "integer":
			info.Type = schema.Integer
		case "number":
			info.Type = schema.Number
		case "boolean":
			info.Type = schema.Boolean
		case "array":
			info.Type = schema.Array
			info.ElemInfo = &schema.ParameterInfo{Type: schema.String}
		default:
			return nil, fmt.Errorf("property %q has unsupported type %v", name, prop["type"])
		}
		if enum, ok := prop["enum"].([]any); ok {
			for _, e := range enum {
				if v, ok := e.(string); ok {
					info.Enum = append(info.Enum, v)
				}
			}
		} else if enum, ok := prop["enum"].([]string); ok {
			info.Enum = append(info.Enum, enum...)
		}
		params[name] = info
	}
	return params, nil
}
