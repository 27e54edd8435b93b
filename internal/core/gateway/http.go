package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/cartsync/cartsync/internal/core/models"
	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// HTTPGateway talks JSON over REST to the hosted data service:
//
//	POST   /items        create
//	PATCH  /items/{id}   update
//	DELETE /items/{id}   delete
//	GET    /items        list all
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	logger  log.Log
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTP creates an HTTP gateway. A nil client gets a default with a 30s
// timeout; the rollback scheduler bounds how long callers wait, the client
// timeout only bounds the background request itself.
func NewHTTP(baseURL string, client *http.Client, logger log.Log) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.Provide()
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  client,
		logger:  logger.With(log.String("component", "http_gateway")),
	}
}

func (g *HTTPGateway) Create(ctx context.Context, fields models.Fields) Result {
	item, err := g.do(ctx, http.MethodPost, "/items", fields)
	if err != nil {
		return Fail(err)
	}
	if item == nil {
		return Fail(errors.New("backend returned no record for create"))
	}
	return Ok(*item)
}

func (g *HTTPGateway) Update(ctx context.Context, id string, patch models.Fields) Result {
	item, err := g.do(ctx, http.MethodPatch, "/items/"+url.PathEscape(id), patch)
	if err != nil {
		return Fail(err)
	}
	if item == nil {
		return Fail(errors.New("backend returned no record for update"))
	}
	return Ok(*item)
}

func (g *HTTPGateway) Delete(ctx context.Context, id string) Result {
	_, err := g.do(ctx, http.MethodDelete, "/items/"+url.PathEscape(id), nil)
	if err != nil {
		return Fail(err)
	}
	return Result{}
}

func (g *HTTPGateway) ListAll(ctx context.Context) ([]models.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/items", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build list request")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, g.decodeError(resp)
	}
	var items []models.Item
	if err = json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, errors.Wrap(err, "decode list response")
	}
	return items, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body models.Fields) (*models.Item, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", method)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Transport-level failures are connectivity loss as far as the
		// engine is concerned: they flip it into offline staging.
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var item models.Item
		if err = json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return nil, errors.Wrap(err, "decode record")
		}
		return &item, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, g.decodeError(resp)
	}
}

func (g *HTTPGateway) decodeError(resp *http.Response) error {
	var remote Error
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil || remote.Message == "" {
		remote = Error{
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: resp.Status,
		}
	}
	g.logger.Debug("backend rejected request",
		log.String("code", remote.Code),
		log.String("message", remote.Message))
	return &remote
}
