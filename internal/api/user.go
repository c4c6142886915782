package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mberan/apilink/internal/httpclient"
)

// UserAPI wraps the user endpoints.
type UserAPI struct {
	client *httpclient.Client
}

// NewUserAPI creates the user facade.
func NewUserAPI(client *httpclient.Client) (*UserAPI, error) {
	if client == nil {
		return nil, fmt.Errorf("missing http client")
	}
	return &UserAPI{client: client}, nil
}

// Get fetches a user by id. Responses are served from the response cache
// when fresh.
func (u *UserAPI) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return u.client.Get(ctx, "/users/"+id)
}

// Update replaces fields on a user. The mutation invalidates every cached
// response under the user's path, so a follow-up Get refetches.
func (u *UserAPI) Update(ctx context.Context, id string, fields map[string]any) (json.RawMessage, error) {
	return u.client.Request(ctx, http.MethodPut, "/users/"+id, &httpclient.RequestOptions{
		Body: fields,
	})
}
