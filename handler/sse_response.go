package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Stream writes server-sent events.
type Stream interface {
	Context
	// Send writes one event with v encoded as JSON and flushes it.
	Send(event string, v any) error
}

// SSEHandler runs for the lifetime of the stream.
type SSEHandler func(stream Stream) error

type sseResponse struct {
	handler   SSEHandler
	keepAlive time.Duration
}

// SSE streams events produced by h. A comment line is written every
// keepAlive to keep proxies from closing idle streams; zero disables it.
func SSE(h SSEHandler, keepAlive time.Duration) Response {
	return sseResponse{handler: h, keepAlive: keepAlive}
}

func (s sseResponse) Render(w http.ResponseWriter, r *http.Request) error {
	rc := http.NewResponseController(w)
	// streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return err
	}

	st := &stream{Context: NewContext(w, r), w: w, rc: rc}
	if s.keepAlive > 0 {
		var wg sync.WaitGroup
		done := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.keepAlive(s.keepAlive, done)
		}()
		// nothing may write once Render returns
		defer func() {
			close(done)
			wg.Wait()
		}()
	}

	if err := s.handler(st); err != nil && r.Context().Err() == nil {
		// headers are sent; report in-band
		_ = st.Send("error", ErrorDetail{Code: ErrInternal.Key})
	}
	return nil
}

type stream struct {
	Context
	w  http.ResponseWriter
	rc *http.ResponseController
	mu sync.Mutex
}

func (s *stream) Send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *stream) keepAlive(every time.Duration, done <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.Done():
			return
		case <-t.C:
			s.mu.Lock()
			_, err := fmt.Fprint(s.w, ": keep-alive\n\n")
			if err == nil {
				err = s.rc.Flush()
			}
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
