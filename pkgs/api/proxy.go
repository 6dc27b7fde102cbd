package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/feltledger/submission-gateway/pkgs/auth"
)

const maxForwardResponse = 1 << 20

// HeaderForwardedClient carries the browser client's address on proxied
// writes. The write routes only read it once the request is authenticated.
const HeaderForwardedClient = "X-Gateway-Client"

// Forwarder re-signs browser submissions with the service secret and posts
// them to the service-to-service endpoints. The public key never travels on.
type Forwarder struct {
	baseURL   string
	serverKey string
	signer    *auth.Signer
	client    *http.Client
}

// NewForwarder creates a forwarder targeting baseURL
func NewForwarder(baseURL, serverKey string, signer *auth.Signer, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 150 * time.Second
	}
	return &Forwarder{
		baseURL:   strings.TrimRight(baseURL, "/"),
		serverKey: serverKey,
		signer:    signer,
		client:    &http.Client{Timeout: timeout},
	}
}

// ForwardResponse is the upstream status and body, passed through unchanged
type ForwardResponse struct {
	Status   int
	Body     []byte
	Replayed bool
}

// Forward signs body and POSTs it to path on behalf of client
func (f *Forwarder) Forward(ctx context.Context, path string, body []byte, idempotencyKey, client string) (*ForwardResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, f.serverKey)
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	if client != "" {
		req.Header.Set(HeaderForwardedClient, client)
	}
	f.signer.Sign(body).Apply(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read forward response: %w", err)
	}

	log.WithFields(log.Fields{
		"path":   path,
		"client": client,
		"status": resp.StatusCode,
	}).Debug("Forwarded browser submission")

	return &ForwardResponse{
		Status:   resp.StatusCode,
		Body:     data,
		Replayed: resp.Header.Get(HeaderReplayed) == "true",
	}, nil
}
