package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rhchain/rhnode/config"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.rhnode/key", filepath.Join(home, ".rhnode/key")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestResolveCoinbase_FromString(t *testing.T) {
	// Use a hex address string (20 bytes = 40 hex chars, no "1" to avoid bech32 path).
	addrHex := "aabbccddee00aabbccddee00aabbccddee00aabb"
	addr, err := resolveCoinbase(addrHex)
	if err != nil {
		t.Fatalf("resolveCoinbase: %v", err)
	}
	if addr[0] != 0xaa || addr[19] != 0xbb {
		t.Errorf("unexpected address: %x", addr)
	}
}

func TestResolveCoinbase_NoSource(t *testing.T) {
	_, err := resolveCoinbase("")
	if err == nil {
		t.Fatal("expected error when no coinbase source")
	}
}

func TestCreateEngine_PoW(t *testing.T) {
	genesis := config.GenesisFor(config.Testnet)
	engine, err := createEngine(genesis)
	if err != nil {
		t.Fatalf("createEngine: %v", err)
	}
	if engine == nil {
		t.Fatal("engine is nil")
	}
	if !isPoW(engine) {
		t.Error("expected a PoW engine")
	}
}

func TestFormatDifficulty(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{500, "500"},
		{1_500, "1.50K"},
		{2_500_000, "2.50M"},
		{3_500_000_000, "3.50G"},
	}
	for _, tt := range tests {
		if got := formatDifficulty(tt.in); got != tt.want {
			t.Errorf("formatDifficulty(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNodeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tmpDir := t.TempDir()

	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir
	cfg.P2P.Port = 0 // Use random port to avoid conflicts.
	cfg.P2P.NoDiscover = true
	cfg.P2P.Seeds = nil

	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n.Height() != 0 {
		t.Errorf("expected height 0, got %d", n.Height())
	}

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := n.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestEnsureDataDirs_WritesDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir

	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}

	confPath := filepath.Join(tmpDir, "rhnode.conf")
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		t.Error("config file should have been created")
	}

	values, err := config.LoadFile(confPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := config.ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
}
