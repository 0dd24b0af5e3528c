package homeserver

import (
	"context"
	"encoding/json"
	"fmt"

	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/transport/httpdto"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

// LocalClient talks to a Server in-process on behalf of one device. It
// carries requests through the same JSON encoding as the HTTP API.
type LocalClient struct {
	server   *Server
	userID   string
	deviceID string
}

func (s *Server) Client(userID, deviceID string) *LocalClient {
	s.RegisterDevice(userID, deviceID)
	return &LocalClient{server: s, userID: userID, deviceID: deviceID}
}

func decode(body json.RawMessage, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", sentinal_errors.ErrInvalidInput, err)
	}
	return nil
}

// Send executes one outgoing request and returns the response body.
func (c *LocalClient) Send(ctx context.Context, req outbox.OutgoingRequest) (json.RawMessage, error) {
	var resp any
	switch req.Kind {
	case outbox.KindKeysUpload:
		var in httpdto.KeysUploadRequest
		if err := decode(req.Body, &in); err != nil {
			return nil, err
		}
		out, err := c.server.UploadKeys(ctx, c.userID, c.deviceID, in)
		if err != nil {
			return nil, err
		}
		resp = out
	case outbox.KindKeysQuery:
		var in httpdto.KeysQueryRequest
		if err := decode(req.Body, &in); err != nil {
			return nil, err
		}
		resp = c.server.QueryKeys(ctx, c.userID, in)
	case outbox.KindKeysClaim:
		var in httpdto.KeysClaimRequest
		if err := decode(req.Body, &in); err != nil {
			return nil, err
		}
		out, err := c.server.ClaimKeys(ctx, in)
		if err != nil {
			return nil, err
		}
		resp = out
	case outbox.KindSigningKeysUpload:
		var in httpdto.SigningKeysUploadRequest
		if err := decode(req.Body, &in); err != nil {
			return nil, err
		}
		if err := c.server.UploadSigningKeys(ctx, c.userID, in); err != nil {
			return nil, err
		}
		resp = httpdto.EmptyResponse{}
	case outbox.KindSignatureUpload:
		var in httpdto.SignatureUploadRequest
		if err := decode(req.Body, &in); err != nil {
			return nil, err
		}
		resp = c.server.UploadSignatures(ctx, c.userID, in)
	case outbox.KindToDevice:
		var in httpdto.ToDeviceRequest
		if err := decode(req.Body, &in); err != nil {
			return nil, err
		}
		body := httpdto.ToDeviceBody{Messages: in.Messages}
		if err := c.server.SendToDevice(ctx, c.userID, c.deviceID, in.EventType, in.TxnID, body); err != nil {
			return nil, err
		}
		resp = httpdto.EmptyResponse{}
	default:
		return nil, fmt.Errorf("%w: request kind %q", sentinal_errors.ErrInvalidInput, req.Kind)
	}
	return json.Marshal(resp)
}

func (c *LocalClient) Sync(ctx context.Context) (httpdto.SyncResponse, error) {
	return c.server.Sync(ctx, c.userID, c.deviceID)
}
