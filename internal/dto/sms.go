package dto

type SendSMSPayload struct {
	To      string `json:"to" validate:"required,e164"`
	Message string `json:"message" validate:"required,max=1600"`
}

type SendBulkSMSPayload struct {
	Recipients []string `json:"recipients" validate:"required,min=1,dive,e164"`
	Message    string   `json:"message" validate:"required,max=1600"`
}
