package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"tccorder/tcc"
)

// Client is a tcc.Participant calling a remote participant over HTTP.
type Client struct {
	id   string
	base string
	hc   *http.Client
}

var _ tcc.Participant = (*Client)(nil)

// NewClient returns a client for participant id served at baseURL.
func NewClient(id, baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{id: id, base: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Try(ctx context.Context, req *tcc.TryRequest) (*tcc.Response, error) {
	return c.call(ctx, "try", participantMessage{
		XID:         req.XID,
		ResourceKey: req.ResourceKey,
		Quantity:    req.Quantity,
		Payload:     req.Payload,
	})
}

func (c *Client) Confirm(ctx context.Context, xid string) (*tcc.Response, error) {
	return c.call(ctx, "confirm", participantMessage{XID: xid})
}

func (c *Client) Cancel(ctx context.Context, xid string) (*tcc.Response, error) {
	return c.call(ctx, "cancel", participantMessage{XID: xid})
}

func (c *Client) call(ctx context.Context, phase string, in participantMessage) (*tcc.Response, error) {
	xid := in.XID
	body, err := json.Marshal(in)
	if err != nil {
		return nil, tcc.E(phase, c.id, xid, tcc.KindOther, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/tcc/"+c.id+"/"+phase, bytes.NewReader(body))
	if err != nil {
		return nil, tcc.E(phase, c.id, xid, tcc.KindOther, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderXID, xid)

	resp, err := c.hc.Do(req)
	if err != nil {
		// the request may or may not have reached the participant
		return nil, tcc.E(phase, c.id, xid, tcc.KindTransientUnavailable, err)
	}
	defer resp.Body.Close()

	var out participantMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, tcc.E(phase, c.id, xid, tcc.KindTransientUnavailable,
			errors.Wrapf(err, "%s: decode response", resp.Status))
	}
	if out.ErrorKind != "" || !out.ACK {
		kind := tcc.ParseKind(out.ErrorKind)
		if out.ErrorKind == "" && resp.StatusCode >= 500 {
			kind = tcc.KindTransientUnavailable
		}
		return nil, tcc.E(phase, c.id, xid, kind, errors.New(out.Message))
	}
	if out.XID != xid {
		return nil, tcc.E(phase, c.id, xid, tcc.KindOther, errors.Errorf("response for xid %q", out.XID))
	}
	return &tcc.Response{ParticipantID: out.ParticipantID, ACK: true, XID: out.XID}, nil
}
