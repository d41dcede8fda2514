package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micrictor/appwall/internal/packet"
	"github.com/micrictor/appwall/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRules(t *testing.T) []rules.Rule {
	t.Helper()
	block, err := rules.NewPolicyRule(1000, rules.FilterTCP, rules.DeviceAny, packet.Endpoint{}, packet.Endpoint{Port: 80}, rules.Block)
	require.NoError(t, err)
	ask, err := rules.NewPolicyRule(1000, rules.FilterTCPUDP, rules.DeviceWiFi, packet.Endpoint{Port: 8080}, packet.Endpoint{IP: "2001:db8::1"}, rules.Interactive)
	require.NoError(t, err)
	ask.Direction = rules.DirectionRemote
	redirect, err := rules.NewRedirectRule(1001, rules.FilterUDP, rules.DeviceCellular, packet.Endpoint{}, packet.Endpoint{IP: "8.8.8.8", Port: 53}, packet.Endpoint{IP: "10.0.0.1", Port: 5353})
	require.NoError(t, err)
	return []rules.Rule{block, ask, redirect}
}

func TestSaveLoad(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "rules.yaml"))
	want := State{Policy: rules.Interactive, Watched: []int{1001, 1000}, Rules: sampleRules(t)}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, rules.Interactive, got.Policy)
	assert.Equal(t, []int{1000, 1001}, got.Watched)
	assert.Equal(t, want.Rules, got.Rules)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestLoadMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "rules.yaml"))
	st, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Rules)
	assert.Zero(t, st.Policy)
}

func TestLoadSkipsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `version: 1
apps:
- uid: 1000
  rules:
  - kind: policy
    protocol: tcp
    device: any
    remote: "*:80"
    policy: block
  - kind: policy
    protocol: tcp
    device: any
    remote: "*:80"
    policy: block
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	st, err := NewFileStore(path).Load()
	require.NoError(t, err)
	require.Len(t, st.Rules, 1)
	assert.Equal(t, uint16(80), st.Rules[0].Remote.Port)
	assert.Equal(t, 1000, st.Rules[0].UserID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{"redirect without port", "apps:\n- uid: 1\n  rules:\n  - {kind: redirect, protocol: tcp, device: any, redirect: \"10.0.0.1:*\"}\n"},
		{"bad policy", "apps:\n- uid: 1\n  rules:\n  - {kind: policy, protocol: tcp, device: any, policy: later}\n"},
		{"unknown key", "apps:\n- uid: 1\n  rulez: []\n"},
		{"future version", "version: 9\n"},
	}
	for _, tc := range testCases {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o600))
		_, err := NewFileStore(path).Load()
		assert.Error(t, err, tc.name)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, r := range sampleRules(t) {
		rec := RecordOf(r)
		got, err := rec.Rule()
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
}
