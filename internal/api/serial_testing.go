package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/serialmux"
)

// SerialTestRequest represents the request body for testing serial port
type SerialTestRequest struct {
	PortPath       string `json:"port_path"`
	BaudRate       int    `json:"baud_rate"`
	DataBits       int    `json:"data_bits"`
	StopBits       int    `json:"stop_bits"`
	Parity         string `json:"parity"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SerialTestResponse represents the response from testing serial port.
// SBUS receivers broadcast continuously, so the test is a passive listen:
// open the port, run the incoming bytes through a reassembler, and report
// what decoded.
type SerialTestResponse struct {
	Success        bool     `json:"success"`
	PortPath       string   `json:"port_path"`
	BaudRate       int      `json:"baud_rate"`
	TestDurationMS int64    `json:"test_duration_ms"`
	BytesReceived  int      `json:"bytes_received,omitempty"`
	FramesDecoded  uint64   `json:"frames_decoded,omitempty"`
	SyncLosses     uint64   `json:"sync_losses,omitempty"`
	SampleChannels []uint16 `json:"sample_channels,omitempty"`
	Failsafe       bool     `json:"failsafe,omitempty"`
	Error          string   `json:"error,omitempty"`
	Message        string   `json:"message"`
	Suggestion     string   `json:"suggestion,omitempty"`
}

// SerialDeviceInfo represents information about a discovered serial device
type SerialDeviceInfo struct {
	PortPath     string `json:"port_path"`
	FriendlyName string `json:"friendly_name"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	LastSeen     int64  `json:"last_seen"`
}

// handleSerialTest handles POST /api/serial/test
func (s *Server) handleSerialTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SerialTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Validate required fields
	if req.PortPath == "" {
		http.Error(w, "Port path is required", http.StatusBadRequest)
		return
	}

	// Validate port path format
	if !isValidPortPath(req.PortPath) {
		http.Error(w, "Invalid port path. Must start with /dev/tty or /dev/serial", http.StatusBadRequest)
		return
	}

	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = 5
	}

	// Perform the serial port test
	result := s.testSerialPort(req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Test failure is reported in the body, not as an API error
	json.NewEncoder(w).Encode(result)
}

// testSerialPort listens on a serial port with the given configuration and
// reports whether valid SBUS frames arrive. Unset port parameters take the
// SBUS framing defaults (100000 baud 8E2).
func (s *Server) testSerialPort(req SerialTestRequest) SerialTestResponse {
	startTime := time.Now()

	opts := serialmux.PortOptions{
		BaudRate: req.BaudRate,
		DataBits: req.DataBits,
		StopBits: req.StopBits,
		Parity:   req.Parity,
	}
	mode, err := opts.PortMode()
	if err != nil {
		return SerialTestResponse{
			Success:        false,
			PortPath:       req.PortPath,
			BaudRate:       req.BaudRate,
			TestDurationMS: time.Since(startTime).Milliseconds(),
			Error:          fmt.Sprintf("Invalid port settings: %v", err),
			Message:        "Serial port test failed",
			Suggestion:     "SBUS uses 100000 baud, 8 data bits, even parity, 2 stop bits",
		}
	}

	// Try to open the serial port
	port, err := s.portFactory.Open(req.PortPath, mode)
	if err != nil {
		suggestion := getSuggestionForError(err)
		return SerialTestResponse{
			Success:        false,
			PortPath:       req.PortPath,
			BaudRate:       mode.BaudRate,
			TestDurationMS: time.Since(startTime).Milliseconds(),
			Error:          fmt.Sprintf("Failed to open port: %v", err),
			Message:        "Serial port test failed",
			Suggestion:     suggestion,
		}
	}
	defer port.Close()

	// Read in short slices so the listen window is bounded by the requested
	// timeout rather than one blocking read.
	if tp, ok := port.(serialmux.TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(500 * time.Millisecond); err != nil {
			log.Printf("Warning: Failed to set read timeout: %v", err)
		}
	}

	deadline := startTime.Add(time.Duration(req.TimeoutSeconds) * time.Second)
	reasm := sbus.NewReassembler()
	var totalBytesRead int
	var lastPacket *sbus.Packet

	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			log.Printf("Warning: Failed to read during port test: %v", err)
			break
		}
		if n == 0 {
			continue // read timeout slice with no data
		}
		totalBytesRead += n
		for p, err := range reasm.FeedBytes(buf[:n]) {
			if err != nil {
				continue // counted in the reassembler stats
			}
			lastPacket = p
		}
	}

	stats := reasm.Stats()
	testDuration := time.Since(startTime).Milliseconds()

	// If no data received, report failure
	if totalBytesRead == 0 {
		return SerialTestResponse{
			Success:        false,
			PortPath:       req.PortPath,
			BaudRate:       mode.BaudRate,
			TestDurationMS: testDuration,
			BytesReceived:  0,
			Error:          "No data received from port",
			Message:        "Serial port test failed",
			Suggestion:     "Receiver may be unpowered or not wired to this port. SBUS receivers broadcast continuously once powered.",
		}
	}

	// Bytes arrived but nothing framed: almost always a signal-level problem
	if stats.FramesDecoded == 0 {
		return SerialTestResponse{
			Success:        false,
			PortPath:       req.PortPath,
			BaudRate:       mode.BaudRate,
			TestDurationMS: testDuration,
			BytesReceived:  totalBytesRead,
			SyncLosses:     stats.SyncLosses,
			Error:          "Data received but no valid frames decoded",
			Message:        "Serial port test failed",
			Suggestion:     "SBUS is an inverted UART. If bytes arrive but never frame, add a hardware inverter or enable the adapter's inverted mode.",
		}
	}

	resp := SerialTestResponse{
		Success:        true,
		PortPath:       req.PortPath,
		BaudRate:       mode.BaudRate,
		TestDurationMS: testDuration,
		BytesReceived:  totalBytesRead,
		FramesDecoded:  stats.FramesDecoded,
		SyncLosses:     stats.SyncLosses,
		Message:        fmt.Sprintf("Decoded %d SBUS frames", stats.FramesDecoded),
	}
	if lastPacket != nil {
		resp.SampleChannels = lastPacket.Channels[:]
		resp.Failsafe = lastPacket.Flags.Failsafe
		if lastPacket.Flags.Failsafe {
			resp.Message = fmt.Sprintf("Decoded %d SBUS frames, but the receiver reports failsafe", stats.FramesDecoded)
			resp.Suggestion = "Receiver is not hearing the transmitter. Check binding and transmitter power."
		}
	}
	return resp
}

// getSuggestionForError provides helpful suggestions based on error type
func getSuggestionForError(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "no such file") || strings.Contains(errStr, "not found") {
		return "Check that the device is connected and appears in /dev/"
	}

	if strings.Contains(errStr, "permission denied") {
		return "Run: sudo usermod -a -G dialout $USER && sudo reboot"
	}

	if strings.Contains(errStr, "resource busy") || strings.Contains(errStr, "device busy") {
		return "Another process may be using the port. Stop other applications using this serial port."
	}

	return "Check device connection and permissions"
}

// handleSerialDevices handles GET /api/serial/devices - List available serial devices
func (s *Server) handleSerialDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Get all existing configs to filter them out
	existingConfigs, err := s.db.GetSerialConfigs()
	if err != nil {
		log.Printf("Error fetching existing configs: %v", err)
		http.Error(w, "Failed to fetch existing configurations", http.StatusInternalServerError)
		return
	}

	// Build a set of already-configured port paths
	configuredPorts := make(map[string]bool)
	for _, config := range existingConfigs {
		configuredPorts[config.PortPath] = true
	}

	// Enumerate available serial ports
	ports, err := serial.GetPortsList()
	if err != nil {
		log.Printf("Error enumerating serial ports: %v", err)
		http.Error(w, "Failed to enumerate serial ports", http.StatusInternalServerError)
		return
	}

	// Filter out already-configured ports and build response
	var devices []SerialDeviceInfo
	now := time.Now().Unix()

	for _, portPath := range ports {
		// Skip if already configured
		if configuredPorts[portPath] {
			continue
		}

		friendlyName := getFriendlyName(portPath)

		devices = append(devices, SerialDeviceInfo{
			PortPath:     portPath,
			FriendlyName: friendlyName,
			LastSeen:     now,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(devices)
}

// getFriendlyName generates a user-friendly name for a serial port
func getFriendlyName(portPath string) string {
	// Extract the device name from the path
	parts := strings.Split(portPath, "/")
	if len(parts) > 0 {
		deviceName := parts[len(parts)-1]

		// Provide friendly names for common device types
		switch {
		case strings.HasPrefix(deviceName, "ttyUSB"):
			return fmt.Sprintf("USB Serial Adapter (%s)", deviceName)
		case strings.HasPrefix(deviceName, "ttyACM"):
			return fmt.Sprintf("USB CDC Device (%s)", deviceName)
		case strings.HasPrefix(deviceName, "ttySC"):
			return fmt.Sprintf("SC16IS762 HAT (%s)", deviceName)
		case strings.HasPrefix(deviceName, "ttyAMA"):
			return fmt.Sprintf("Raspberry Pi Serial (%s)", deviceName)
		default:
			return deviceName
		}
	}

	return portPath
}
