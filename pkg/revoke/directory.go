package revoke

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// StaticDirectory is an in-memory hierarchy, keyed authority -> superiors.
// Suitable for tests and for deployments that ship the org chart as config.
type StaticDirectory struct {
	mu        sync.RWMutex
	superiors map[string]map[string]struct{}
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{superiors: map[string]map[string]struct{}{}}
}

// AddSuperior registers superior as hierarchically above authority.
func (d *StaticDirectory) AddSuperior(authorityID, superiorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.superiors[authorityID]
	if !ok {
		set = map[string]struct{}{}
		d.superiors[authorityID] = set
	}
	set[superiorID] = struct{}{}
}

func (d *StaticDirectory) IsSuperior(ctx context.Context, candidateID, authorityID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.superiors[authorityID][candidateID]
	return ok, nil
}

// HTTPDirectory resolves hierarchy through an external registry endpoint:
// GET {base}/hierarchy/{authority}/superiors returning a JSON string array.
type HTTPDirectory struct {
	base   string
	client *http.Client
}

func NewHTTPDirectory(base string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDirectory{base: base, client: client}
}

func (d *HTTPDirectory) IsSuperior(ctx context.Context, candidateID, authorityID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/hierarchy/%s/superiors", d.base, url.PathEscape(authorityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("hierarchy registry returned %d", resp.StatusCode)
	}
	var superiors []string
	if err := json.NewDecoder(resp.Body).Decode(&superiors); err != nil {
		return false, fmt.Errorf("decode hierarchy response: %w", err)
	}
	for _, id := range superiors {
		if id == candidateID {
			return true, nil
		}
	}
	return false, nil
}
