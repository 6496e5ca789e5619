package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentfleet/fleetd/internal/history"
)

// Options configures an OpenSearch (or Elasticsearch) sink.
type Options struct {
	BaseURL string
	// Index receives the documents. An index ending in '-' is a prefix and
	// gets the event's UTC date appended, e.g. fleet-history-2026.01.31.
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes lifecycle events with POST {base}/{index}/_doc.
type Sink struct {
	client *http.Client
	o      Options
}

// New returns a Sink indexing into o.Index.
func New(o Options) *Sink {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Index == "" {
		o.Index = "fleet-history"
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: o.Timeout}, o: o}
}

type document struct {
	Timestamp time.Time `json:"@timestamp"`
	history.Event
}

func (s *Sink) index(at time.Time) string {
	if strings.HasSuffix(s.o.Index, "-") {
		return s.o.Index + at.UTC().Format("2006.01.02")
	}
	return s.o.Index
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{Timestamp: e.OccurredAt, Event: e})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.o.BaseURL, s.index(e.OccurredAt))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.o.Username != "" {
		req.SetBasicAuth(s.o.Username, s.o.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index(e.OccurredAt), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
