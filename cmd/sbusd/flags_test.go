package main

import (
	"flag"
	"testing"
)

// TestDevModeFlag verifies the --dev flag exists and defaults to off.
func TestDevModeFlag(t *testing.T) {
	// The flag is defined in the main package's var block.
	// We verify it exists and has the expected default.
	if devMode == nil {
		t.Fatal("devMode flag not defined")
	}

	if *devMode != false {
		t.Errorf("expected devMode default to be false, got %v", *devMode)
	}
}

// TestDisableSerialFlag verifies the --disable-serial flag exists and
// defaults to off.
func TestDisableSerialFlag(t *testing.T) {
	if disableSerial == nil {
		t.Fatal("disableSerial flag not defined")
	}

	if *disableSerial {
		t.Error("expected disableSerial default to be false")
	}
}

// TestUDPIngestFlagDefaults verifies the UDP ingest flag block defaults.
// The listen and forward ports must differ so a single host can run the
// ingest and a forward target side by side.
func TestUDPIngestFlagDefaults(t *testing.T) {
	if udpIngest == nil {
		t.Fatal("udpIngest flag not defined")
	}
	if *udpIngest {
		t.Error("expected udpIngest default to be false")
	}
	if *udpPort != 30000 {
		t.Errorf("expected udp-port default to be 30000, got %d", *udpPort)
	}
	if *forwardPort != 30001 {
		t.Errorf("expected forward-port default to be 30001, got %d", *forwardPort)
	}
	if *udpPort == *forwardPort {
		t.Error("udp-port and forward-port defaults must differ")
	}
	if *forwardAddr != "localhost" {
		t.Errorf("expected forward-addr default to be localhost, got %q", *forwardAddr)
	}
}

// TestRecordDecimationCondition verifies the every-Nth sampling used by the
// frame recorder. This mirrors the condition in sbusd.go:
//
//	seen++; if seen%everyNth != 0 { continue }
func TestRecordDecimationCondition(t *testing.T) {
	tests := []struct {
		name     string
		everyNth int
		frames   int
		want     int
	}{
		{
			name:     "record every frame",
			everyNth: 1,
			frames:   10,
			want:     10,
		},
		{
			name:     "every fourth frame",
			everyNth: 4,
			frames:   10,
			want:     2,
		},
		{
			name:     "every tenth frame",
			everyNth: 10,
			frames:   100,
			want:     10,
		},
		{
			name:     "fewer frames than interval",
			everyNth: 5,
			frames:   3,
			want:     0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen := 0
			recorded := 0
			for i := 0; i < tc.frames; i++ {
				seen++
				if seen%tc.everyNth != 0 {
					continue
				}
				recorded++
			}

			if recorded != tc.want {
				t.Errorf("recorded = %d, want %d", recorded, tc.want)
			}
		})
	}
}

// TestFlagParsing verifies that the flags can be parsed correctly.
// This uses a separate FlagSet to avoid polluting the global flags.
func TestFlagParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantBool bool
	}{
		{
			name:     "flag not set",
			args:     []string{},
			wantBool: false,
		},
		{
			name:     "flag set explicitly true",
			args:     []string{"--udp=true"},
			wantBool: true,
		},
		{
			name:     "flag set without value (implies true)",
			args:     []string{"--udp"},
			wantBool: true,
		},
		{
			name:     "flag set explicitly false",
			args:     []string{"--udp=false"},
			wantBool: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			ingestFlag := fs.Bool("udp", false, "Ingest SBUS frames from UDP")

			err := fs.Parse(tc.args)
			if err != nil {
				t.Fatalf("failed to parse flags: %v", err)
			}

			if *ingestFlag != tc.wantBool {
				t.Errorf("udp = %v, want %v", *ingestFlag, tc.wantBool)
			}
		})
	}
}
