package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Health is the /health response.
type Health struct {
	Status   string
	Version  string
	Services map[string]string
}

// OK reports whether the API considers itself healthy.
func (h *Health) OK() bool { return h != nil && h.Status == "ok" }

// Profile is the signed-in user as the API sees them.
type Profile struct {
	UID         string
	Email       string
	DisplayName string
	AvatarURL   string
}

// Key is a stored provider credential. The secret itself is never returned;
// KeyHint is a masked rendering such as "sk-...7f3a".
type Key struct {
	ID        string
	Provider  string
	Name      string
	KeyHint   string
	CreatedAt string
	UpdatedAt string
}

// KeyUpdate is a sparse update; nil fields are left unchanged.
type KeyUpdate struct {
	Name *string
	Key  *string
}

// Health fetches the API health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	body, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	h := &Health{
		Status:   body.Get("status").String(),
		Version:  body.Get("version").String(),
		Services: map[string]string{},
	}
	body.Get("services").ForEach(func(key, value gjson.Result) bool {
		h.Services[key.String()] = value.String()
		return true
	})
	return h, nil
}

// Me returns the profile of the signed-in user.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	body, err := c.do(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		return nil, err
	}
	return &Profile{
		UID:         body.Get("uid").String(),
		Email:       body.Get("email").String(),
		DisplayName: body.Get("display_name").String(),
		AvatarURL:   body.Get("avatar_url").String(),
	}, nil
}

// ListKeys returns every stored credential.
func (c *Client) ListKeys(ctx context.Context) ([]Key, error) {
	body, err := c.do(ctx, http.MethodGet, "/keys", nil)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(body.Array()))
	for _, item := range body.Array() {
		keys = append(keys, parseKey(item))
	}
	return keys, nil
}

// GetKey returns one credential.
func (c *Client) GetKey(ctx context.Context, id string) (*Key, error) {
	body, err := c.do(ctx, http.MethodGet, keyPath(id), nil)
	if err != nil {
		return nil, err
	}
	key := parseKey(body)
	return &key, nil
}

// CreateKey stores a new credential.
func (c *Client) CreateKey(ctx context.Context, provider, name, secret string) (*Key, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "provider", provider)
	if err == nil {
		payload, err = sjson.SetBytes(payload, "name", name)
	}
	if err == nil {
		payload, err = sjson.SetBytes(payload, "key", secret)
	}
	if err != nil {
		return nil, fmt.Errorf("api: encode key: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/keys", payload)
	if err != nil {
		return nil, err
	}
	key := parseKey(body)
	return &key, nil
}

// UpdateKey renames a credential and/or replaces its secret.
func (c *Client) UpdateKey(ctx context.Context, id string, update KeyUpdate) (*Key, error) {
	payload := []byte(`{}`)
	var err error
	if update.Name != nil {
		if payload, err = sjson.SetBytes(payload, "name", *update.Name); err != nil {
			return nil, fmt.Errorf("api: encode key update: %w", err)
		}
	}
	if update.Key != nil {
		if payload, err = sjson.SetBytes(payload, "key", *update.Key); err != nil {
			return nil, fmt.Errorf("api: encode key update: %w", err)
		}
	}
	body, err := c.do(ctx, http.MethodPut, keyPath(id), payload)
	if err != nil {
		return nil, err
	}
	key := parseKey(body)
	return &key, nil
}

// DeleteKey removes a credential.
func (c *Client) DeleteKey(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, keyPath(id), nil)
	return err
}

func keyPath(id string) string {
	return "/keys/" + url.PathEscape(strings.TrimSpace(id))
}

func parseKey(v gjson.Result) Key {
	return Key{
		ID:        v.Get("id").String(),
		Provider:  v.Get("provider").String(),
		Name:      v.Get("name").String(),
		KeyHint:   v.Get("key_hint").String(),
		CreatedAt: v.Get("created_at").String(),
		UpdatedAt: v.Get("updated_at").String(),
	}
}

// MaskKey renders a secret as its prefix up to the first dash (or its first
// two characters) followed by "..." and the last four characters.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "..." + key
	}
	suffix := key[len(key)-4:]
	prefix := key[:2]
	if dash := strings.Index(key, "-"); dash > 0 && dash < len(key)-4 {
		prefix = key[:dash+1]
	}
	return prefix + "..." + suffix
}
