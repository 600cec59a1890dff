//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RazumRu/graphflow/template"
)

func validate(t *testing.T, cfgJSON string) (Config, error) {
	t.Helper()
	tpl := New()
	cfg, err := tpl.ValidateConfig(json.RawMessage(cfgJSON))
	if err != nil {
		return Config{}, err
	}
	return cfg.(Config), nil
}

func TestValidateConfig(t *testing.T) {
	cfg, err := validate(t, `{"transport":"streamable","serverUrl":"http://mcp.local/mcp","headers":{"X-Token":"t"}}`)
	require.NoError(t, err)
	assert.Equal(t, TransportStreamable, cfg.Transport)
	assert.Equal(t, "http://mcp.local/mcp", cfg.ServerURL)

	cfg, err = validate(t, `{"transport":"stdio","command":"mcp-server","args":["--verbose"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"--verbose"}, cfg.Args)

	_, err = validate(t, `{}`)
	assert.Error(t, err, "transport is required")

	_, err = validate(t, `{"transport":"websocket"}`)
	assert.Error(t, err, "unknown transport")

	_, err = validate(t, `{"transport":"streamable"}`)
	assert.Error(t, err, "streamable without serverUrl")

	_, err = validate(t, `{"transport":"stdio"}`)
	assert.Error(t, err, "stdio without command")
}

func TestConfigEqual(t *testing.T) {
	a := Config{Transport: TransportStreamable, ServerURL: "http://a/mcp", Headers: map[string]string{"X": "1"}}
	b := Config{Transport: TransportStreamable, ServerURL: "http://a/mcp", Headers: map[string]string{"X": "1"}}
	assert.True(t, a.equal(b))

	b.Headers = map[string]string{"X": "2"}
	assert.False(t, a.equal(b))

	b = a
	b.ServerURL = "http://b/mcp"
	assert.False(t, a.equal(b))
}

func TestConfigTimeout(t *testing.T) {
	assert.Equal(t, defaultTimeout, Config{}.timeout())
	five := 5
	assert.Equal(t, 5*time.Second, Config{TimeoutSeconds: &five}.timeout())
}

func TestConfigureRequiresRecreateOnAnyChange(t *testing.T) {
	tpl := New()
	h := tpl.Handle()
	s := &Session{cfg: Config{Transport: TransportStreamable, ServerURL: "http://a/mcp"}}

	same, err := tpl.ValidateConfig(json.RawMessage(`{"transport":"streamable","serverUrl":"http://a/mcp"}`))
	require.NoError(t, err)
	assert.NoError(t, h.Configure(context.Background(), template.Init{Config: same}, s))

	changed, err := tpl.ValidateConfig(json.RawMessage(`{"transport":"streamable","serverUrl":"http://b/mcp"}`))
	require.NoError(t, err)
	err = h.Configure(context.Background(), template.Init{Config: changed}, s)
	assert.ErrorIs(t, err, template.ErrRecreateRequired)
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	s := &Session{closed: true}

	_, err := s.ListTools(context.Background())
	assert.Error(t, err)

	_, err = s.CallTool(context.Background(), "search", map[string]any{"q": "x"})
	assert.Error(t, err)

	// Close is idempotent.
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestDestroyToleratesUnexpectedInstance(t *testing.T) {
	h := New().Handle()
	assert.NoError(t, h.Destroy(context.Background(), nil))
	assert.NoError(t, h.Destroy(context.Background(), struct{}{}))
}
