package policy

import (
	"os"
	"path/filepath"
	"testing"

	logx "relaybot/pkg/logx"
)

func writePolicy(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestMissingFileDeniesEverything(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "absent.json"), logx.Nop())
	if err := o.Load(); err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if o.GloballyDisabled() {
		t.Fatal("empty policy must not be in safe mode")
	}
	if o.ChannelAllowed("1001", FeatureBroadcast) {
		t.Fatal("empty policy allowed a room")
	}
}

func TestChannelAllowedRequiresBothGates(t *testing.T) {
	path := writePolicy(t, "policy.json", `{
		"safe_mode": false,
		"allowed_room_ids": ["1001", "1002"],
		"features": {
			"1001": {"broadcast": true, "announce": false},
			"1003": {"broadcast": true}
		}
	}`)
	o := New(path, logx.Nop())
	if err := o.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []struct {
		room    string
		feature Feature
		want    bool
	}{
		{"1001", FeatureBroadcast, true},
		{"1001", FeatureAnnounce, false},  // flag explicitly off
		{"1001", FeatureWelcome, false},   // flag absent
		{"1002", FeatureBroadcast, false}, // allow-listed, no flags at all
		{"1003", FeatureBroadcast, false}, // flagged but not allow-listed
		{"9999", FeatureBroadcast, false}, // unknown room
	}
	for _, tc := range cases {
		if got := o.ChannelAllowed(tc.room, tc.feature); got != tc.want {
			t.Errorf("ChannelAllowed(%s, %s) = %v, want %v", tc.room, tc.feature, got, tc.want)
		}
	}
}

func TestSafeMode(t *testing.T) {
	path := writePolicy(t, "policy.json", `{
		"safe_mode": true,
		"allowed_room_ids": ["1001"],
		"features": {"1001": {"broadcast": true}}
	}`)
	o := New(path, logx.Nop())
	if err := o.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !o.GloballyDisabled() {
		t.Fatal("safe mode not reported")
	}
	// Safe mode is the caller's gate; per-room answers stay unchanged.
	if !o.ChannelAllowed("1001", FeatureBroadcast) {
		t.Fatal("room lookup broken under safe mode")
	}
}

func TestYAMLPolicy(t *testing.T) {
	path := writePolicy(t, "policy.yaml", `
safe_mode: false
allowed_room_ids:
  - "2001"
features:
  "2001":
    announce: true
`)
	o := New(path, logx.Nop())
	if err := o.Load(); err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !o.ChannelAllowed("2001", FeatureAnnounce) {
		t.Fatal("yaml policy not applied")
	}
	if o.ChannelAllowed("2001", FeatureBroadcast) {
		t.Fatal("unflagged feature allowed")
	}
}

func TestReloadReplacesSnapshot(t *testing.T) {
	path := writePolicy(t, "policy.json", `{
		"allowed_room_ids": ["1001"],
		"features": {"1001": {"broadcast": true}}
	}`)
	o := New(path, logx.Nop())
	if err := o.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !o.ChannelAllowed("1001", FeatureBroadcast) {
		t.Fatal("initial policy not applied")
	}

	if err := os.WriteFile(path, []byte(`{"safe_mode": true, "allowed_room_ids": []}`), 0o600); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	if err := o.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !o.GloballyDisabled() {
		t.Fatal("reload did not pick up safe mode")
	}
	if o.ChannelAllowed("1001", FeatureBroadcast) {
		t.Fatal("reload kept stale allow-list")
	}
}

func TestBadFileKeepsPreviousSnapshot(t *testing.T) {
	path := writePolicy(t, "policy.json", `{
		"allowed_room_ids": ["1001"],
		"features": {"1001": {"broadcast": true}}
	}`)
	o := New(path, logx.Nop())
	if err := o.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatalf("corrupt policy: %v", err)
	}
	if err := o.Load(); err == nil {
		t.Fatal("corrupt policy loaded without error")
	}
	if !o.ChannelAllowed("1001", FeatureBroadcast) {
		t.Fatal("failed reload wiped the previous snapshot")
	}
}
