// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to decoded SBUS frames from the port and
// send frames to a single serial port device.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/units"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

//go:embed templates/*
var adminTemplateFS embed.FS

var sendFrameTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-frame.html.tmpl"))

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to frames from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	reasm        *sbus.Reassembler
	reasmMu      sync.Mutex
	subscribers  map[string]chan sbus.Packet
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving frame events from the
	// serial port. The channel ID is used to identify the unique channel
	// when unsubscribing.
	Subscribe() (string, chan sbus.Packet)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendFrame encodes the packet and writes it to the serial port.
	SendFrame(sbus.Packet) error
	// Monitor reads frames from the serial port and sends them to the
	// appropriate channels.
	Monitor(context.Context) error
	// LinkStats reports decoder counters for the port.
	LinkStats() sbus.LinkStats
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	Initialise() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by a serial port at the
// given path.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:         port,
		reasm:        sbus.NewReassembler(),
		subscribers:  make(map[string]chan sbus.Packet),
		subscriberMu: sync.Mutex{},
		writeMu:      sync.Mutex{},
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan sbus.Packet) {
	id := randomID()
	ch := make(chan sbus.Packet)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialise writes a centred frame so that anything consuming our output
// starts from neutral stick positions rather than whatever the line held
// before we opened it.
func (s *SerialMux[T]) Initialise() error {
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = units.NominalMid
	}
	if err := s.SendFrame(p); err != nil {
		return fmt.Errorf("failed to write initial frame: %w", err)
	}
	return nil
}

// SendFrame encodes the packet and writes the 25-byte frame to the serial port.
func (s *SerialMux[T]) SendFrame(p sbus.Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	frame := sbus.EncodeFrame(p)
	n, err := s.port.Write(frame[:])
	if err != nil {
		return err
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor monitors the serial port for frames and sends them to subscribers
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	packetChan := make(chan sbus.Packet)
	readErrChan := make(chan error, 1)

	// start a goroutine to read chunks from the serial port, run them
	// through the reassembler, and send any complete frames to packetChan.
	// any read errors go to readErrChan.
	//
	// the blocking port.Read will not interfere with our outer loop awaiting
	// frames & context cancellation.
	go func() {
		defer close(packetChan)
		buf := make([]byte, 4*sbus.FrameLength)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				s.reasmMu.Lock()
				var packets []sbus.Packet
				for p, ferr := range s.reasm.FeedBytes(buf[:n]) {
					// decode errors show up in the reassembler counters; a
					// noisy line must not stop the monitor.
					if ferr != nil {
						continue
					}
					packets = append(packets, *p)
				}
				s.reasmMu.Unlock()
				for _, p := range packets {
					select {
					case packetChan <- p:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					return
				}
				select {
				case readErrChan <- err:
				case <-ctx.Done():
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	for {
		select {
		// check if the context is done
		// and exit the loop if so
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			return err

		case p, ok := <-packetChan:
			// if the channel is closed, we're done reading from the serial port
			if !ok {
				select {
				case err := <-readErrChan:
					return err
				default:
				}
				return nil
			}
			// Check if we're closing
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			// otherwise take a read lock on the subscriber map
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- p:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// LinkStats returns a snapshot of the decoder counters.
func (s *SerialMux[T]) LinkStats() sbus.LinkStats {
	s.reasmMu.Lock()
	defer s.reasmMu.Unlock()
	return s.reasm.Stats()
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesForMux(mux, s)
}

// AttachAdminRoutesForMux attaches the admin debugging endpoints for any
// SerialMuxInterface implementation. Wrappers that delegate to an inner mux
// (the API layer's reloadable port manager) reuse this so the debug surface
// follows whichever mux is active.
func AttachAdminRoutesForMux(mux *http.ServeMux, m SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	// Basic frame injection / live tail monitor interface using the below API endpoints.
	debug.HandleFunc("send-frame", "send a frame to the serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendFrameTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write a frame to the serial port
	debug.HandleSilentFunc("send-frame-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var p sbus.Packet
		for i := range p.Channels {
			p.Channels[i] = units.NominalMid
			field := r.FormValue(fmt.Sprintf("ch%d", i+1))
			if field == "" {
				continue
			}
			value, err := strconv.Atoi(field)
			if err != nil || value < units.RawMin || value > units.RawMax {
				http.Error(w, fmt.Sprintf("Invalid value for channel %d", i+1), http.StatusBadRequest)
				return
			}
			p.Channels[i] = uint16(value)
		}
		p.Flags.D1 = r.FormValue("d1") != ""
		p.Flags.D2 = r.FormValue("d2") != ""
		p.Flags.FrameLost = r.FormValue("frame_lost") != ""
		p.Flags.Failsafe = r.FormValue("failsafe") != ""

		if err := m.SendFrame(p); err != nil {
			http.Error(w, "Failed to write frame", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote frame %s to serial port", p.String()))
	})

	// API endpoint returning the decoder counters as JSON.
	debug.HandleSilentFunc("link-stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.LinkStats())
	})

	// API endpoint to issue Server-Side Events (SSE) in response to frames coming from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case p, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				payload, err := json.Marshal(p)
				if err != nil {
					continue
				}
				_, err = w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload)))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// serve tail.js from adminTemplateFS
		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
