package vertexai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	refreshSkew         = 60 * time.Second
)

// cachedTokenSource wraps a JWT-bearer-assertion token source from a parsed
// service-account JSON document, serializing refreshes behind a mutex and
// reusing the cached token until it is within refreshSkew of expiry. At most
// one refresh is ever in flight. Every Token call takes the mutex, including
// calls that find a live cached token, so concurrent lookups are serialized
// and a caller arriving during a refresh waits for it to finish.
type cachedTokenSource struct {
	mu     sync.Mutex
	src    oauth2.TokenSource
	cached *oauth2.Token
}

// newCachedTokenSource parses a service-account JSON document and builds a
// JWT bearer assertion flow token source scoped to cloud-platform access.
func newCachedTokenSource(ctx context.Context, serviceAccountJSON []byte) (*cachedTokenSource, error) {
	cfg, err := google.JWTConfigFromJSON(serviceAccountJSON, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("vertexai: parse service account: %w", err)
	}
	return &cachedTokenSource{src: cfg.TokenSource(ctx)}, nil
}

// Token returns a live access token under the mutex, refreshing synchronously
// only when the cached token is absent or within 60s of expiring. Lookups of
// a live token also take the lock.
func (c *cachedTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Until(c.cached.Expiry) > refreshSkew {
		return c.cached.AccessToken, nil
	}

	tok, err := c.src.Token()
	if err != nil {
		return "", fmt.Errorf("vertexai: refresh token: %w", err)
	}
	c.cached = tok
	return tok.AccessToken, nil
}

// serviceAccountProjectID extracts the "project_id" field from a raw
// service-account JSON document, used to default VertexAIParams.Project
// when the operator didn't set it explicitly.
func serviceAccountProjectID(raw []byte) string {
	var doc struct {
		ProjectID string `json:"project_id"`
	}
	if json.Unmarshal(raw, &doc) != nil {
		return ""
	}
	return doc.ProjectID
}
