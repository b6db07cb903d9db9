package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LocateRequest asks a fleet provider for a rider near the delivery address.
type LocateRequest struct {
	OrderID    int64  `json:"order_id"`
	DeliveryID int64  `json:"delivery_id"`
	Address    string `json:"address"`
	Phone      string `json:"phone,omitempty"`
}

type locateResponse struct {
	RiderID int64 `json:"rider_id"`
}

type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Locate(ctx context.Context, req LocateRequest) (int64, error)
}

// HTTPProvider calls POST {baseURL}{locatePath} and expects {"rider_id": n}.
// A 404 or a zero rider id means the fleet is healthy but has nobody free.
type HTTPProvider struct {
	name       string
	baseURL    string
	locatePath string
	client     *http.Client
	br         *MicroBreaker
}

func NewHTTPProvider(name, baseURL, locatePath string, timeoutMs, failThreshold, openForMs int) *HTTPProvider {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	if locatePath == "" {
		locatePath = "/v1/riders/locate"
	}

	return &HTTPProvider{
		name:       name,
		baseURL:    baseURL,
		locatePath: locatePath,
		client:     &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:         NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Ready() bool   { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool { return p.br.TryAcquire() }

func (p *HTTPProvider) Locate(ctx context.Context, req LocateRequest) (int64, error) {
	id, err := p.post(ctx, req)
	switch {
	case err == nil, err == ErrNoRider:
		p.br.OnSuccess()
	default:
		p.br.OnFailure()
	}
	return id, err
}

func (p *HTTPProvider) post(ctx context.Context, lr LocateRequest) (int64, error) {
	b, err := json.Marshal(lr)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.locatePath, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}

	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, ErrNoRider
	}
	if res.StatusCode/100 != 2 {
		return 0, fmt.Errorf("provider=%s path=%s status=%d", p.name, p.locatePath, res.StatusCode)
	}

	var out locateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("provider=%s decode: %w", p.name, err)
	}
	if out.RiderID <= 0 {
		return 0, ErrNoRider
	}
	return out.RiderID, nil
}
