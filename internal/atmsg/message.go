// Package atmsg defines the application-layer message envelope exchanged
// over the bridged TCP connection, the +IPD frame demux hands back, and the
// custom (non-cryptographic) checksum used to validate Test payloads.
package atmsg

// Category distinguishes the application-level sub-protocols carried inside
// a Message. Unknown categories are preserved on the wire but not
// interpreted by the core engine.
type Category string

const (
	CategoryTest  Category = "Test"
	CategoryFiles Category = "Files"
)

// FileStep enumerates the three-step Files sub-protocol.
type FileStep string

const (
	FileStepHeader  FileStep = "Header"
	FileStepContent FileStep = "Content"
	FileStepEnd     FileStep = "End"
)

// Message is the JSON envelope exchanged between client and server, framed
// on the wire inside a +IPD payload (inbound) or an AT+CIPSEND transaction
// (outbound). Fields not relevant to a given Category are omitted.
type Message struct {
	Id       int      `json:"Id"`
	Category Category `json:"Category"`

	// Test fields.
	Base64Message     string `json:"Base64Message,omitempty"`
	Base64MessageHash string `json:"Base64MessageHash,omitempty"`
	RspReceivedOK      bool   `json:"RspReceivedOK,omitempty"`

	// Files fields.
	Step                    FileStep `json:"Step,omitempty"`
	FileName                string   `json:"FileName,omitempty"`
	FileData                string   `json:"FileData,omitempty"`
	ProgressPercentage      int      `json:"ProgressPercentage,omitempty"`
	FileBlockSequenceNumber int      `json:"FileBlockSequenceNumber,omitempty"`
	HashData                string   `json:"HashData,omitempty"`
}

// IpdFrame is the demultiplexer's output for one +IPD payload: the link it
// arrived on (0 for single-link modems) and the raw bytes, already sliced to
// exactly the declared length with at most one trailing CRLF stripped.
type IpdFrame struct {
	LinkID  int
	Payload []byte
}
