package dify

import (
	"github.com/tidwall/gjson"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
)

// formTypes maps the upstream user_input_form control keys to prompt
// variable types.
var formTypes = map[string]string{
	"text-input": "string",
	"paragraph":  "paragraph",
	"select":     "select",
	"number":     "number",
}

// parsePromptVariables flattens the user_input_form schema. Each array
// item is a single-key object whose key names the control type and whose
// value carries the variable definition.
func parsePromptVariables(form gjson.Result) []model.PromptVariable {
	var out []model.PromptVariable
	form.ForEach(func(_, item gjson.Result) bool {
		item.ForEach(func(control, def gjson.Result) bool {
			varType, ok := formTypes[control.String()]
			if !ok {
				return true
			}
			out = append(out, model.PromptVariable{
				Key:      firstNonEmpty(def.Get("variable").String(), def.Get("key").String()),
				Name:     firstNonEmpty(def.Get("label").String(), def.Get("name").String()),
				Type:     varType,
				Required: def.Get("required").Bool(),
				MaxLen:   int(def.Get("max_length").Int()),
			})
			return false
		})
		return true
	})
	return out
}
