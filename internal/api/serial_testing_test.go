package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/serialmux"
)

// TestHandleSerialTest_Validation verifies request validation before any port
// is touched.
func TestHandleSerialTest_Validation(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name     string
		method   string
		body     string
		expected int
	}{
		{"method not allowed", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid body", http.MethodPost, "{not json", http.StatusBadRequest},
		{"missing port path", http.MethodPost, `{"baud_rate":100000}`, http.StatusBadRequest},
		{"invalid port path", http.MethodPost, `{"port_path":"/etc/passwd"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/serial/test", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			server.handleSerialTest(w, req)

			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

// TestHandleSerialTest_MissingDevice verifies a missing device reports failure
// in the response body with a 200 status.
func TestHandleSerialTest_MissingDevice(t *testing.T) {
	server, _ := setupTestServer(t)

	body := `{"port_path":"/dev/ttyNONEXISTENT0","timeout_seconds":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/serial/test", strings.NewReader(body))
	w := httptest.NewRecorder()

	server.handleSerialTest(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 with failure in body, got %d", w.Code)
	}

	var resp SerialTestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Success {
		t.Error("Expected success=false for a missing device")
	}
	if resp.Error == "" {
		t.Error("Expected an error description")
	}
	if resp.PortPath != "/dev/ttyNONEXISTENT0" {
		t.Errorf("Expected port path echoed back, got %s", resp.PortPath)
	}
}

// TestTestSerialPort_InvalidSettings verifies bad port settings fail before
// the port is opened.
func TestTestSerialPort_InvalidSettings(t *testing.T) {
	server, _ := setupTestServer(t)

	resp := server.testSerialPort(SerialTestRequest{
		PortPath:       "/dev/ttyUSB0",
		Parity:         "Z",
		TimeoutSeconds: 1,
	})

	if resp.Success {
		t.Error("Expected success=false for invalid parity")
	}
	if !strings.Contains(resp.Error, "Invalid port settings") {
		t.Errorf("Expected settings error, got %q", resp.Error)
	}
	if !strings.Contains(resp.Suggestion, "100000 baud") {
		t.Errorf("Expected SBUS framing suggestion, got %q", resp.Suggestion)
	}
}

// TestTestSerialPort_WithMockFactory runs the full listen path against an
// in-memory port that already has frames queued.
func TestTestSerialPort_WithMockFactory(t *testing.T) {
	server, _ := setupTestServer(t)

	port := serialmux.NewTestableSerialPort()
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = 1024
	}
	port.AddReadFrame(p)
	port.AddReadFrame(p)
	factory := serialmux.NewMockSerialPortFactory(port)
	server.portFactory = factory

	resp := server.testSerialPort(SerialTestRequest{
		PortPath:       "/dev/ttyUSB0",
		TimeoutSeconds: 1,
	})

	if !resp.Success {
		t.Fatalf("Expected success, got error %q", resp.Error)
	}
	if resp.FramesDecoded != 2 {
		t.Errorf("Expected 2 frames decoded, got %d", resp.FramesDecoded)
	}
	if resp.BytesReceived != 2*sbus.FrameLength {
		t.Errorf("Expected %d bytes received, got %d", 2*sbus.FrameLength, resp.BytesReceived)
	}
	if len(resp.SampleChannels) != sbus.NumChannels || resp.SampleChannels[0] != 1024 {
		t.Errorf("Expected sample channels at 1024, got %v", resp.SampleChannels)
	}

	call := factory.LastCall()
	if call == nil || call.Path != "/dev/ttyUSB0" {
		t.Fatalf("Expected the factory to open /dev/ttyUSB0, got %+v", call)
	}
	if call.Mode.BaudRate != 100000 || call.Mode.Parity != serialmux.EvenParity {
		t.Errorf("Expected SBUS defaults in the open mode, got %+v", call.Mode)
	}
	if !port.Closed {
		t.Error("Expected the port to be closed after the test")
	}
}

// TestTestSerialPort_ReportsFailsafe verifies a decoded failsafe frame is
// surfaced with a binding suggestion.
func TestTestSerialPort_ReportsFailsafe(t *testing.T) {
	server, _ := setupTestServer(t)

	port := serialmux.NewTestableSerialPort()
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = 992
	}
	p.Flags.FrameLost = true
	p.Flags.Failsafe = true
	port.AddReadFrame(p)
	server.portFactory = serialmux.NewMockSerialPortFactory(port)

	resp := server.testSerialPort(SerialTestRequest{PortPath: "/dev/ttyUSB0", TimeoutSeconds: 1})

	if !resp.Success {
		t.Fatalf("Expected success with failsafe flagged, got error %q", resp.Error)
	}
	if !resp.Failsafe {
		t.Error("Expected failsafe to be reported")
	}
	if !strings.Contains(resp.Suggestion, "binding") {
		t.Errorf("Expected binding suggestion, got %q", resp.Suggestion)
	}
}

// TestTestSerialPort_NoData verifies an open but silent port reports failure.
func TestTestSerialPort_NoData(t *testing.T) {
	server, _ := setupTestServer(t)

	port := serialmux.NewTestableSerialPort()
	server.portFactory = serialmux.NewMockSerialPortFactory(port)

	resp := server.testSerialPort(SerialTestRequest{PortPath: "/dev/ttyUSB0", TimeoutSeconds: 1})

	if resp.Success {
		t.Error("Expected failure when no bytes arrive")
	}
	if !strings.Contains(resp.Error, "No data received") {
		t.Errorf("Expected no-data error, got %q", resp.Error)
	}
}

// TestTestSerialPort_GarbageBytes verifies bytes that never frame produce the
// signal-inversion suggestion.
func TestTestSerialPort_GarbageBytes(t *testing.T) {
	server, _ := setupTestServer(t)

	port := serialmux.NewTestableSerialPort()
	port.AddReadData([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	server.portFactory = serialmux.NewMockSerialPortFactory(port)

	resp := server.testSerialPort(SerialTestRequest{PortPath: "/dev/ttyUSB0", TimeoutSeconds: 1})

	if resp.Success {
		t.Error("Expected failure when nothing frames")
	}
	if !strings.Contains(resp.Error, "no valid frames") {
		t.Errorf("Expected framing error, got %q", resp.Error)
	}
	if !strings.Contains(resp.Suggestion, "inverter") {
		t.Errorf("Expected inversion suggestion, got %q", resp.Suggestion)
	}
}

// TestTestSerialPort_OpenError verifies factory open failures map to
// actionable suggestions.
func TestTestSerialPort_OpenError(t *testing.T) {
	server, _ := setupTestServer(t)

	factory := serialmux.NewMockSerialPortFactory(nil)
	factory.Error = fmt.Errorf("open /dev/ttyUSB0: permission denied")
	server.portFactory = factory

	resp := server.testSerialPort(SerialTestRequest{PortPath: "/dev/ttyUSB0", TimeoutSeconds: 1})

	if resp.Success {
		t.Error("Expected failure when the port cannot be opened")
	}
	if !strings.Contains(resp.Suggestion, "dialout") {
		t.Errorf("Expected permission suggestion, got %q", resp.Suggestion)
	}
}

// TestHandleSerialTest_WithMockFactory runs the handler end to end over a
// mock port.
func TestHandleSerialTest_WithMockFactory(t *testing.T) {
	server, _ := setupTestServer(t)

	port := serialmux.NewTestableSerialPort()
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = 1500
	}
	port.AddReadFrame(p)
	server.portFactory = serialmux.NewMockSerialPortFactory(port)

	body := `{"port_path":"/dev/ttyUSB0","timeout_seconds":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/serial/test", strings.NewReader(body))
	w := httptest.NewRecorder()

	server.handleSerialTest(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp SerialTestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Expected success, got error %q", resp.Error)
	}
	if len(resp.SampleChannels) == 0 || resp.SampleChannels[0] != 1500 {
		t.Errorf("Expected sample channels at 1500, got %v", resp.SampleChannels)
	}
}

// TestGetSuggestionForError verifies error strings map to useful suggestions.
func TestGetSuggestionForError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"device missing", fmt.Errorf("open /dev/ttyUSB0: no such file or directory"), "appears in /dev/"},
		{"permission", fmt.Errorf("open /dev/ttyAMA0: permission denied"), "dialout"},
		{"busy", fmt.Errorf("open /dev/ttyUSB0: resource busy"), "Another process"},
		{"generic", fmt.Errorf("something odd"), "Check device connection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getSuggestionForError(tt.err)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Expected suggestion containing %q, got %q", tt.contains, got)
			}
		})
	}
}

// TestGetFriendlyName verifies device name prettification.
func TestGetFriendlyName(t *testing.T) {
	tests := []struct {
		portPath string
		expected string
	}{
		{"/dev/ttyUSB0", "USB Serial Adapter (ttyUSB0)"},
		{"/dev/ttyACM1", "USB CDC Device (ttyACM1)"},
		{"/dev/ttySC0", "SC16IS762 HAT (ttySC0)"},
		{"/dev/ttyAMA0", "Raspberry Pi Serial (ttyAMA0)"},
		{"/dev/ttyS0", "ttyS0"},
	}

	for _, tt := range tests {
		got := getFriendlyName(tt.portPath)
		if got != tt.expected {
			t.Errorf("getFriendlyName(%s) = %q, want %q", tt.portPath, got, tt.expected)
		}
	}
}

// TestHandleSerialDevices_MethodNotAllowed verifies the method guard.
func TestHandleSerialDevices_MethodNotAllowed(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/serial/devices", nil)
	w := httptest.NewRecorder()

	server.handleSerialDevices(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}
