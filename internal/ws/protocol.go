package ws

type MessageType string

// Inbound discriminants.
const (
	MsgEdit     MessageType = "edit"
	MsgLanguage MessageType = "language"
	MsgRun      MessageType = "run"
	MsgEnd      MessageType = "end"
)

// Outbound discriminants.
const (
	MsgInit      MessageType = "init"
	MsgRunResult MessageType = "run_result"
	MsgError     MessageType = "error"
	MsgEnded     MessageType = "ended"
)

// Inbound is the client->server envelope. Type discriminates which of
// the payload fields is meaningful.
type Inbound struct {
	Type     MessageType `json:"type"`
	Code     string      `json:"code"`
	Language string      `json:"language"`
}

type InitMessage struct {
	Type     MessageType `json:"type"`
	Language string      `json:"language"`
	Code     string      `json:"code"`
}

type EditMessage struct {
	Type MessageType `json:"type"`
	Code string      `json:"code"`
}

type LanguageMessage struct {
	Type     MessageType `json:"type"`
	Language string      `json:"language"`
}

type RunResultMessage struct {
	Type     MessageType `json:"type"`
	Stdout   string      `json:"stdout"`
	Stderr   string      `json:"stderr"`
	Language string      `json:"language"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type EndedMessage struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}
