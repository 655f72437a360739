package main

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeployResponse(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		body     string
		expected string
		wantErr  bool
	}{
		{
			name:     "valid response",
			endpoint: "https://infra.outspeed.ai/deploy",
			body:     `{"functionId":"fn-123"}`,
			expected: "https://infra.outspeed.ai/run/fn-123",
		},
		{
			name:     "custom endpoint keeps its host",
			endpoint: "http://localhost:9000/deploy",
			body:     `{"functionId":"abc"}`,
			expected: "http://localhost:9000/run/abc",
		},
		{
			name:     "missing function id",
			endpoint: "https://infra.outspeed.ai/deploy",
			body:     `{}`,
			wantErr:  true,
		},
		{
			name:     "garbage body",
			endpoint: "https://infra.outspeed.ai/deploy",
			body:     `oops`,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDeployResponse(tt.endpoint, []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBaseURL(t *testing.T) {
	got, err := baseURL("https://infra.outspeed.ai/deploy/v2")
	require.NoError(t, err)
	assert.Equal(t, "https://infra.outspeed.ai", got)
}

func TestDeployCommandRequiresAPIKey(t *testing.T) {
	t.Setenv(envKeyAPIKey, "")
	t.Setenv(envKeyEndpoint, "")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"deploy", "nonexistent.file"})
	err := cmd.Execute()
	assert.Error(t, err)
}

func TestDeployManifestWireShape(t *testing.T) {
	body, err := sonic.Marshal(deployManifest{
		Function:   "agent.go",
		Endpoint:   "https://infra.outspeed.ai/deploy",
		SDKVersion: "0.1.8",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"function": "agent.go",
		"endpoint": "https://infra.outspeed.ai/deploy",
		"sdk_version": "0.1.8"
	}`, string(body))
}
