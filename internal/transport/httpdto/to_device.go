package httpdto

import "encoding/json"

// ToDeviceRequest is the queued form of PUT /_matrix/client/v3/sendToDevice/{eventType}/{txnId}.
// EventType and TxnID travel in the path; only Messages is sent as the body.
type ToDeviceRequest struct {
	EventType string                                `json:"event_type"`
	TxnID     string                                `json:"txn_id"`
	Messages  map[string]map[string]json.RawMessage `json:"messages"`
}

// ToDeviceBody is the HTTP body of a sendToDevice call
type ToDeviceBody struct {
	Messages map[string]map[string]json.RawMessage `json:"messages"`
}
