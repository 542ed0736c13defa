package monitoring

import "testing"

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...any) {
		got = format
	})
	Logf("udp listener started")

	if got != "udp listener started" {
		t.Errorf("custom logger saw %q, want %q", got, "udp listener started")
	}
}

func TestSetLogger_NilInstallsNoop(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...any) {
		called = true
	})
	SetLogger(nil)
	Logf("dropped %d frames", 3)

	if called {
		t.Error("nil logger should silence Logf, not forward to the previous logger")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()

	Logf("link stats: %d frames", 42)
}
