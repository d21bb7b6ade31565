package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
)

// substitutePromptVars replaces {{key}} markers in text with the values
// supplied for the declared prompt variables. Unset variables leave their
// marker untouched.
func substitutePromptVars(text string, vars []model.PromptVariable, inputs map[string]any) string {
	if text == "" || len(vars) == 0 || len(inputs) == 0 {
		return text
	}

	for _, v := range vars {
		val, ok := inputs[v.Key]
		if !ok || val == nil {
			continue
		}
		text = strings.ReplaceAll(text, "{{"+v.Key+"}}", fmt.Sprintf("%v", val))
	}
	return text
}

// ProcessInputs filters host-supplied raw inputs down to the declared
// prompt variables, converting number-typed values. Values that fail
// conversion are dropped rather than sent malformed.
func ProcessInputs(vars []model.PromptVariable, raw map[string]string) map[string]any {
	if len(raw) == 0 || len(vars) == 0 {
		return nil
	}

	out := make(map[string]any)
	for _, v := range vars {
		val, ok := raw[v.Key]
		if !ok || val == "" {
			continue
		}
		if v.Type == "number" {
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			out[v.Key] = n
			continue
		}
		out[v.Key] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RequiredInputsFilled reports whether every required prompt variable has
// a non-empty value, which is what allows an auto-started workflow embed
// to begin chatting without user interaction.
func RequiredInputsFilled(vars []model.PromptVariable, inputs map[string]any) bool {
	for _, v := range vars {
		if !v.Required {
			continue
		}
		val, ok := inputs[v.Key]
		if !ok || val == nil || val == "" {
			return false
		}
	}
	return true
}
