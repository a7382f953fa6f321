package dto

type SendEmailPayload struct {
	To       string         `json:"to" validate:"required,email"`
	Subject  string         `json:"subject" validate:"required"`
	HTML     string         `json:"html,omitempty" validate:"required_without=Template"`
	Template string         `json:"template,omitempty" validate:"required_without=HTML"`
	Context  map[string]any `json:"context,omitempty"`
}

type SendBulkEmailPayload struct {
	Recipients []string `json:"recipients" validate:"required,min=1,dive,email"`
	Subject    string   `json:"subject" validate:"required"`
	HTML       string   `json:"html" validate:"required"`
}
