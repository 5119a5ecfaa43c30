package streaming

import (
	"net/http"
	"net/url"

	"github.com/guregu/null/v6"
	"github.com/krobus00/stream-gateway/internal/service/admission"
)

// Handshake is what the transport captured when the connection was opened.
type Handshake struct {
	Headers  http.Header
	Query    url.Values
	RemoteIP string
	// Path is the mount path of the server that accepted the connection.
	Path string
}

type SubscribeRequest struct {
	RequestID         null.String                   `json:"request_id"`
	Symbols           []string                      `json:"symbols"`
	CapabilityType    string                        `json:"capability_type"`
	PreferredProvider null.String                   `json:"preferred_provider"`
	Credentials       *admission.PayloadCredentials `json:"credentials,omitempty"`
}

type UnsubscribeRequest struct {
	RequestID      null.String `json:"request_id"`
	Symbols        []string    `json:"symbols"`
	CapabilityType string      `json:"capability_type"`
}

type Ack struct {
	RequestID null.String `json:"request_id"`
	Action    string      `json:"action"`
	Accepted  bool        `json:"accepted"`
	Errors    []string    `json:"errors"`
	Warnings  []string    `json:"warnings"`
}

func newAck(action string, requestID null.String) Ack {
	return Ack{
		RequestID: requestID,
		Action:    action,
		Errors:    []string{},
		Warnings:  []string{},
	}
}

func (a Ack) reject(err error) Ack {
	a.Accepted = false
	a.Errors = append(a.Errors, err.Error())
	return a
}
