package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/pkg/codec"
)

func TestBuilderFillsHeaders(t *testing.T) {
	env := New(TypeDataRequest, "svc-a").With("dataType", "jobs").Build()

	assert.Equal(t, TypeDataRequest, env.Type)
	assert.Equal(t, "svc-a", env.Headers.Source)
	assert.NotEmpty(t, env.Headers.MessageID)
	assert.Equal(t, env.Headers.MessageID, env.Headers.CorrelationID)
	assert.False(t, env.Headers.Timestamp.IsZero())
	assert.Equal(t, "jobs", env.Payload["dataType"])
}

func TestLookup(t *testing.T) {
	env := New("t", "s").WithPayload(map[string]interface{}{
		"user": map[string]interface{}{
			"tier": "gold",
			"tags": []interface{}{"a", "b"},
		},
	}).Build()

	tests := []struct {
		name  string
		path  string
		want  interface{}
		found bool
	}{
		{name: "nested key", path: "user.tier", want: "gold", found: true},
		{name: "slice index", path: "user.tags.1", want: "b", found: true},
		{name: "index out of range", path: "user.tags.5", found: false},
		{name: "missing key", path: "user.name", found: false},
		{name: "through scalar", path: "user.tier.x", found: false},
		{name: "empty path", path: "", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := env.Lookup(tt.path)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSetAndDelete(t *testing.T) {
	env := New("t", "s").Build()

	env.Set("a.b.c", 1)
	got, ok := env.Lookup("a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	assert.True(t, env.Delete("a.b.c"))
	assert.False(t, env.Delete("a.b.c"))
	_, ok = env.Lookup("a.b.c")
	assert.False(t, ok)
}

func TestHeaderAccess(t *testing.T) {
	env := New("t", "svc").WithDestination("svc-b").WithTTL(1500 * time.Millisecond).Build()
	env.SetHeader("tenant", "acme")

	v, ok := env.Header("destination")
	assert.True(t, ok)
	assert.Equal(t, "svc-b", v)

	v, ok = env.Header("ttl")
	assert.True(t, ok)
	assert.Equal(t, "1500", v)

	v, ok = env.Header("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", v)

	_, ok = env.Header("replyTo")
	assert.False(t, ok)
}

func TestExpiresAt(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := New("t", "s").WithTimestamp(ts).WithTTL(time.Second).Build()

	at, ok := env.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, ts.Add(time.Second), at)

	env.Headers.TTL = 0
	_, ok = env.ExpiresAt()
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	env := New("t", "s").WithPayload(map[string]interface{}{
		"nested": map[string]interface{}{"k": "v"},
	}).Build()
	env.SetHeader("x", "1")

	cp := env.Clone()
	cp.Set("nested.k", "changed")
	cp.Headers.Extra["x"] = "2"

	got, _ := env.Lookup("nested.k")
	assert.Equal(t, "v", got)
	assert.Equal(t, "1", env.Headers.Extra["x"])
}

func TestWireShape(t *testing.T) {
	env := New(TypeDataResponse, "svc").WithCorrelationID("req-1").With("data", map[string]interface{}{"status": "ok"}).Build()

	raw, err := codec.Marshal(env)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, codec.Unmarshal(raw, &generic))
	headers := generic["headers"].(map[string]interface{})
	assert.Equal(t, "req-1", headers["correlationId"])
	assert.Contains(t, headers, "messageId")
	assert.NotContains(t, headers, "replyTo")

	var decoded Envelope
	require.NoError(t, codec.Unmarshal(raw, &decoded))
	assert.True(t, env.Headers.Timestamp.Equal(decoded.Headers.Timestamp))
	assert.Equal(t, "ok", decoded.Payload["data"].(map[string]interface{})["status"])
}
