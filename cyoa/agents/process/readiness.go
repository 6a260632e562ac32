package process

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReadyMarkers are log lines printed by vLLM/uvicorn once the API accepts requests.
var DefaultReadyMarkers = []string{
	"Uvicorn running on",
	"Server started",
	"Application startup complete",
}

// Probe reports whether a starting server accepts requests yet.
type Probe interface {
	Ready(ctx context.Context) bool
}

// Watcher is implemented by probes that can signal when re-checking is worthwhile.
type Watcher interface {
	Watch() (wake <-chan struct{}, closeFn func() error, err error)
}

// PortProbe is ready once a TCP connection to addr succeeds.
type PortProbe struct {
	addr string
}

func NewPortProbe(addr string) *PortProbe { return &PortProbe{addr: addr} }

func (p *PortProbe) Ready(ctx context.Context) bool {
	return portOpen(ctx, p.addr)
}

func portOpen(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// LogProbe is ready once the server log contains one of the ready markers
// after the last Mark.
type LogProbe struct {
	path    string
	markers [][]byte
	offset  int64
}

// NewLogProbe watches path for markers; nil markers means DefaultReadyMarkers.
func NewLogProbe(path string, markers []string) *LogProbe {
	if len(markers) == 0 {
		markers = DefaultReadyMarkers
	}
	p := &LogProbe{path: path}
	for _, m := range markers {
		p.markers = append(p.markers, []byte(m))
	}
	return p
}

// Mark skips everything currently in the log. Server logs are opened in
// append mode, so markers from an earlier run must not count.
func (p *LogProbe) Mark() {
	p.offset = 0
	if fi, err := os.Stat(p.path); err == nil {
		p.offset = fi.Size()
	}
}

func (p *LogProbe) Ready(ctx context.Context) bool {
	f, err := os.Open(p.path)
	if err != nil {
		return false
	}
	defer f.Close()

	if fi, err := f.Stat(); err != nil || fi.Size() < p.offset {
		p.offset = 0 // truncated or rotated
	}
	if _, err := f.Seek(p.offset, io.SeekStart); err != nil {
		return false
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return false
	}
	for _, m := range p.markers {
		if bytes.Contains(data, m) {
			return true
		}
	}
	return false
}

// Watch emits on every write to the log file so readiness is noticed before the next poll tick.
func (p *LogProbe) Watch() (<-chan struct{}, func() error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := w.Add(p.path); err != nil {
		w.Close()
		return nil, nil, err
	}

	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return wake, w.Close, nil
}
