package sandbox

import (
	"slices"
	"testing"
)

func TestEnvironmentBuilder(t *testing.T) {
	b := EnvironmentBuilder{WorkDir: "/tmp/ngome-sbx-1"}
	env := b.Build(map[string]string{
		"MY_VAR":          "value",
		"LD_PRELOAD":      "/evil.so",
		"LD_LIBRARY_PATH": "/evil",
		"PYTHONPATH":      "/evil",
		"NODE_OPTIONS":    "--require /evil.js",
		"PATH":            "/evil/bin",
		"NGOME_RLIMIT_AS": "0",
		"":                "empty",
		"A=B":             "bad key",
	})

	want := map[string]string{
		"PATH":   sandboxPath,
		"HOME":   "/tmp/ngome-sbx-1",
		"TMPDIR": "/tmp/ngome-sbx-1",
		"TEMP":   "/tmp/ngome-sbx-1",
		"TMP":    "/tmp/ngome-sbx-1",
		"USER":   "sandbox",
		"SHELL":  "/bin/false",
		"MY_VAR": "value",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
	for _, k := range []string{"LD_PRELOAD", "LD_LIBRARY_PATH", "PYTHONPATH", "NODE_OPTIONS", "NGOME_RLIMIT_AS", "", "A=B"} {
		if _, ok := env[k]; ok {
			t.Errorf("%q should have been dropped", k)
		}
	}
}

func TestEnvironmentBuilder_DoesNotInherit(t *testing.T) {
	t.Setenv("SECRET_API_KEY", "s3cret")
	env := EnvironmentBuilder{WorkDir: "/tmp/x"}.Build(nil)
	if _, ok := env["SECRET_API_KEY"]; ok {
		t.Error("host environment leaked into sandbox environment")
	}
}

func TestEnvironmentBuilder_EnvironSorted(t *testing.T) {
	out := EnvironmentBuilder{WorkDir: "/w"}.Environ(map[string]string{"ZED": "1"})
	if !slices.IsSorted(out) {
		t.Errorf("Environ not sorted: %v", out)
	}
	if !slices.Contains(out, "ZED=1") || !slices.Contains(out, "HOME=/w") {
		t.Errorf("Environ = %v", out)
	}
}

func TestLimitedBuffer(t *testing.T) {
	lb := newLimitedBuffer(5)
	n, err := lb.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = lb.Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v; writes must report full length", n, err)
	}
	if got := string(lb.Bytes()); got != "abcde" {
		t.Errorf("Bytes = %q, want %q", got, "abcde")
	}
	if !lb.Truncated() {
		t.Error("expected Truncated")
	}
}
