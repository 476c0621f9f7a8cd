package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGUID = "12345678-1234-1234-1234-123456789abc"

func TestParseRecipients(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a@example.com", []string{"a@example.com"}},
		{" a@example.com , ,b@example.com ", []string{"a@example.com", "b@example.com"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRecipients(tt.in), tt.in)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := types.GraphConfig{
		TenantID:     testGUID,
		ClientID:     testGUID,
		ClientSecret: "secret",
		FromAddress:  "alerts@example.com",
		Recipients:   "ops@example.com",
	}
	require.NoError(t, ValidateConfig(&valid))
	assert.True(t, IsConfigured(&valid))

	tests := []struct {
		name   string
		modify func(*types.GraphConfig)
		want   string
	}{
		{"missing tenant", func(c *types.GraphConfig) { c.TenantID = "" }, "tenant ID is required"},
		{"tenant not a GUID", func(c *types.GraphConfig) { c.TenantID = "contoso" }, "tenant ID must be a valid GUID"},
		{"client not a GUID", func(c *types.GraphConfig) { c.ClientID = "app" }, "client ID must be a valid GUID"},
		{"missing secret", func(c *types.GraphConfig) { c.ClientSecret = "" }, "client secret is required"},
		{"missing sender", func(c *types.GraphConfig) { c.FromAddress = "" }, "from address"},
		{"blank recipients", func(c *types.GraphConfig) { c.Recipients = " , " }, "recipients are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			err := ValidateConfig(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func withGraphServer(t *testing.T, handler http.HandlerFunc) *GraphClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	prev := graphBaseURL
	graphBaseURL = srv.URL
	t.Cleanup(func() { graphBaseURL = prev })

	return &GraphClient{fromAddress: "alerts@example.com", httpClient: srv.Client()}
}

func TestGraphSendMail(t *testing.T) {
	var got graphMailRequest
	client := withGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/alerts@example.com/sendMail", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.SendMail(t.Context(), []string{"ops@example.com", " "}, "subject", "body")
	require.NoError(t, err)
	assert.Equal(t, "subject", got.Message.Subject)
	assert.Equal(t, "Text", got.Message.Body.ContentType)
	require.Len(t, got.Message.ToRecipients, 1)
	assert.Equal(t, "ops@example.com", got.Message.ToRecipients[0].EmailAddress.Address)
}

func TestGraphSendMailRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	client := withGraphServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, client.SendMail(t.Context(), []string{"ops@example.com"}, "s", "b"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGraphSendMailPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	client := withGraphServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	err := client.SendMail(t.Context(), []string{"ops@example.com"}, "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGraphSendMailNoRecipients(t *testing.T) {
	client := &GraphClient{fromAddress: "alerts@example.com", httpClient: http.DefaultClient}
	assert.Error(t, client.SendMail(t.Context(), []string{" "}, "s", "b"))
}

func TestAlarmEmail(t *testing.T) {
	ep := &Episode{Station: "Studio", Level: types.LevelNoisy, Volume: 88, Message: "Quiet please", NoisyFor: 3600e6, Time: triggeredAt}
	subject, body := alarmEmail(ep)
	assert.Equal(t, "[ALERT] Noise Alarm - Studio", subject)
	assert.Contains(t, body, "noisy (volume 88)")
	assert.Contains(t, body, "Quiet please")

	subject, _ = releaseEmail(ep)
	assert.Equal(t, "[OK] Noise Alarm Released - Studio", subject)
}
