package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"e2e_mediator/internal/model"
)

type (
	// Directory is the client of the identity directory served next to the mediator.
	Directory struct {
		base   *url.URL
		client *http.Client
	}
)

func NewDirectory(baseURL string) (*Directory, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("directory url %q needs a scheme and host", baseURL)
	}
	return &Directory{
		base:   u,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (d *Directory) endpoint(path string) string {
	u := *d.base
	u.Path = path
	return u.String()
}

// FetchPublicKey returns nil without error when the identity is not registered.
func (d *Directory) FetchPublicKey(ctx context.Context, identity string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint("/keys/"+url.PathEscape(identity)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory lookup of %s: %s", identity, resp.Status)
	}

	var pub model.PublicIdentity
	if err := json.NewDecoder(resp.Body).Decode(&pub); err != nil {
		return nil, err
	}
	if pub.Identity != identity {
		return nil, fmt.Errorf("directory answered for %s instead of %s", pub.Identity, identity)
	}
	return pub.PublicKey, nil
}

// Register publishes the public key of id. Registering the same key twice is fine.
func (d *Directory) Register(ctx context.Context, id *model.PublicIdentity) error {
	body, err := json.Marshal(id)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint("/identities"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	}
	return fmt.Errorf("register %s: %s", id.Identity, resp.Status)
}

func (d *Directory) List(ctx context.Context) ([]*model.PublicIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint("/identities"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list identities: %s", resp.Status)
	}
	var res []*model.PublicIdentity
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return res, nil
}
