package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Envelope is the standard wrapper of the upstream JSON API.
type Envelope struct {
	Success bool            `json:"success"`
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// OK reports a business-level success.
func (e *Envelope) OK() bool { return e.Success && e.Status == http.StatusOK }

// Decode unmarshals the data payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

// FetchEnvelope performs req and decodes the envelope. An undecodable body
// is Malformed and a business failure is NonOK; both are retried with a
// credential refresh like any other classified failure.
func (c *Client) FetchEnvelope(ctx context.Context, req Request) (*Envelope, error) {
	var env Envelope
	req.ExpectJSON = true

	next := req.Validate
	req.Validate = func(r *Response) error {
		var e Envelope
		if err := json.Unmarshal(r.Body, &e); err != nil {
			return newFetchError(KindMalformed, r.Status, "decode envelope", err)
		}
		if !e.OK() {
			return newFetchError(KindNonOK, e.Status,
				fmt.Sprintf("business failure: success=%t status=%d message=%q", e.Success, e.Status, e.Message), nil)
		}
		if next != nil {
			if err := next(r); err != nil {
				return err
			}
		}
		env = e
		return nil
	}

	if _, err := c.Do(ctx, req); err != nil {
		return nil, err
	}
	return &env, nil
}
