package whatsapp

// BusinessAccountObject is the only webhook object type we handle
const BusinessAccountObject = "whatsapp_business_account"

// WebhookRequest is the body of a WhatsApp Cloud API webhook delivery
type WebhookRequest struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry groups the changes delivered for one business account
type WebhookEntry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is a single inbound message. Only one of Text or Image is set,
// depending on Type.
type Message struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *TextContent  `json:"text,omitempty"`
	Image     *ImageContent `json:"image,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

type ImageContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Sha256   string `json:"sha256"`
	Caption  string `json:"caption,omitempty"`
}

// Messages flattens every message of every "messages" change in the delivery
func (r WebhookRequest) Messages() []Message {
	var out []Message
	for _, entry := range r.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			out = append(out, change.Value.Messages...)
		}
	}
	return out
}
