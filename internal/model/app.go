package model

// PromptVariable is one entry of the backend's user-input form schema.
type PromptVariable struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	MaxLen   int    `json:"max_length,omitempty"`
}

// VisionSettings controls image upload support for the widget.
type VisionSettings struct {
	Enabled         bool     `json:"enabled"`
	NumberLimits    int      `json:"number_limits"`
	Detail          string   `json:"detail"`
	TransferMethods []string `json:"transfer_methods"`
	ImageSizeLimit  int      `json:"image_file_size_limit,omitempty"`
}

// AppParams is the static app configuration fetched once at bootstrap:
// opening statement text, suggested opening questions, upload settings and
// the input-form schema.
type AppParams struct {
	OpeningStatement   string           `json:"opening_statement"`
	SuggestedQuestions []string         `json:"suggested_questions"`
	PromptVariables    []PromptVariable `json:"prompt_variables"`
	Vision             VisionSettings   `json:"vision"`
}
