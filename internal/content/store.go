// Package content abstracts the content-addressed store behind an opaque
// upload/fetch boundary. Pointers are locators, never inspected beyond host
// matching.
package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Store is the content-store interface the orchestrator depends on.
type Store interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, pointer string) ([]byte, error)
}

// GatewayClient talks to a pinning gateway over HTTP. Uploads authenticate
// with the access token; the returned pointer is a gateway URL for the pinned
// content.
type GatewayClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewGatewayClient(baseURL, token string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type pinResponse struct {
	CID string `json:"cid"`
}

func (c *GatewayClient) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pinning/pin", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload: gateway returned %s", resp.Status)
	}

	var pinned pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return "", fmt.Errorf("upload: decode response: %w", err)
	}
	if pinned.CID == "" {
		return "", fmt.Errorf("upload: gateway returned no cid")
	}
	return c.baseURL + "/ipfs/" + pinned.CID, nil
}

func (c *GatewayClient) Fetch(ctx context.Context, pointer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pointer, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pointer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: gateway returned %s", pointer, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// MemoryStore keeps uploads in a map, for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Upload(_ context.Context, data []byte, _ string) (string, error) {
	sum := sha256.Sum256(data)
	pointer := "ptr://" + hex.EncodeToString(sum[:8])
	m.mu.Lock()
	m.data[pointer] = append([]byte(nil), data...)
	m.mu.Unlock()
	return pointer, nil
}

func (m *MemoryStore) Fetch(_ context.Context, pointer string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[pointer]
	if !ok {
		return nil, fmt.Errorf("fetch %s: not found", pointer)
	}
	return data, nil
}

// Put seeds a pointer directly, bypassing hashing, so tests can use literal
// pointers like the ones stored on chain.
func (m *MemoryStore) Put(pointer string, data []byte) {
	m.mu.Lock()
	m.data[pointer] = data
	m.mu.Unlock()
}
