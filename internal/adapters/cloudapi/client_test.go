package cloudapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-autoflow/internal/credentials"
)

var channel = credentials.Channel{CompanyPhoneID: 10, CompanyID: 1, PhoneNumberID: "1099", AccessToken: "secret"}

func TestSendTemplate(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v21.0/1099/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"messaging_product":"whatsapp","contacts":[{"input":"5511988887777","wa_id":"5511988887777"}],"messages":[{"id":"wamid.abc"}]}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "v21.0")
	require.NoError(t, err)

	id, err := c.SendTemplate(context.Background(), json.RawMessage(`{"name":"welcome","language":{"code":"pt_BR"}}`), "5511988887777", channel)
	require.NoError(t, err)
	assert.Equal(t, "wamid.abc", id)

	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "template", got["type"])
	assert.Equal(t, "5511988887777", got["to"])
	tmpl, ok := got["template"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "welcome", tmpl["name"])
}

func TestSendTemplateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Template name does not exist","type":"OAuthException","code":132001}}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "v21.0")
	require.NoError(t, err)

	_, err = c.SendTemplate(context.Background(), json.RawMessage(`{"name":"nope"}`), "5511988887777", channel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "132001")
	assert.Contains(t, err.Error(), "Template name does not exist")
}

func TestSendTemplateWithoutMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"messaging_product":"whatsapp","messages":[]}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "v21.0")
	require.NoError(t, err)

	_, err = c.SendTemplate(context.Background(), json.RawMessage(`{"name":"x"}`), "5511988887777", channel)
	assert.ErrorIs(t, err, ErrNoMessageID)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient("", "v21.0")
	assert.Error(t, err)
	_, err = NewClient("http://localhost", "")
	assert.Error(t, err)
}
