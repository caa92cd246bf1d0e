package model

import "encoding/json"

// Response is the daemon's reply to a Request. Only the fields relevant to
// the issued operation are populated.
type Response struct {
	Success            bool              `json:"success"`
	Reason             string            `json:"reason,omitempty"`
	Disks              []string          `json:"disks,omitempty"`
	Certificates       []json.RawMessage `json:"certificates,omitempty"`
	KeyID              string            `json:"keyId,omitempty"`
	PKCS7              string            `json:"pkcs7_64,omitempty"`
	SignerSerialNumber string            `json:"signer_serial_number,omitempty"`
}

// Failure builds an unsuccessful response carrying reason.
func Failure(reason string) *Response {
	return &Response{Success: false, Reason: reason}
}
