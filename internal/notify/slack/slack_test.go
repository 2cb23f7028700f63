package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/locus/internal/dispatch"
	"github.com/linnemanlabs/locus/internal/geo"
)

const testCell = geo.Cell("8928308280fffff")

func testRequest() *dispatch.Request {
	return &dispatch.Request{
		ID:         "01JN123",
		DeviceID:   "device-42",
		Cell:       testCell,
		Condition:  "drizzle",
		EventTime:  time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
		EnqueuedAt: time.Date(2026, 2, 26, 14, 23, 1, 0, time.UTC),
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), testRequest()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, context = 5 blocks
	if len(blocks) != 5 {
		t.Errorf("blocks count = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "device-42") {
		t.Errorf("header text = %q, want to contain device-42", headerText)
	}
	if !strings.Contains(headerText, "\U0001f326") {
		t.Errorf("header should contain the drizzle emoji")
	}

	ctxBlock := blocks[4].(map[string]any)
	el := ctxBlock["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(el, "01JN123") || !strings.Contains(el, "2026-02-26 14:23 UTC") {
		t.Errorf("context text = %q", el)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", log.Nop())
	if err := n.Send(context.Background(), &dispatch.Request{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_TruncatesLongHeader(t *testing.T) {
	t.Parallel()

	r := testRequest()
	r.DeviceID = strings.Repeat("d", 400)
	msg := buildMessage(r)

	header := msg["blocks"].([]map[string]any)[0]
	text := header["text"].(map[string]any)["text"].(string)
	if n := utf8.RuneCountInString(text); n > maxHeaderLen {
		t.Errorf("header length = %d runes, want <= %d", n, maxHeaderLen)
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated header to end with ...")
	}
}

func TestSend_TruncatesMultibyteDeviceID(t *testing.T) {
	t.Parallel()

	r := testRequest()
	r.DeviceID = strings.Repeat("設備", 200)
	msg := buildMessage(r)

	header := msg["blocks"].([]map[string]any)[0]
	text := header["text"].(map[string]any)["text"].(string)
	if !utf8.ValidString(text) {
		t.Fatalf("truncated header is not valid UTF-8: %q", text)
	}
	if n := utf8.RuneCountInString(text); n != maxHeaderLen {
		t.Errorf("header length = %d runes, want %d", n, maxHeaderLen)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short ascii", "abc", 10, "abc"},
		{"exact limit", "abcdef", 6, "abcdef"},
		{"long ascii", "abcdefghij", 6, "abc..."},
		{"multibyte kept whole", "ééééé", 5, "ééééé"},
		{"multibyte cut on rune", "éééééé", 5, "éé..."},
		{"emoji", "💧💧💧💧💧💧", 4, "💧..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.limit)
			}
		})
	}
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error retried", http.StatusInternalServerError, false},
		{"rate limited retried", http.StatusTooManyRequests, false},
		{"bad request permanent", http.StatusBadRequest, true},
		{"gone permanent", http.StatusGone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			err := New(srv.URL, log.Nop()).Send(context.Background(), testRequest())
			if err == nil {
				t.Fatal("expected error on non-OK status")
			}
			var perm *backoff.PermanentError
			if got := errors.As(err, &perm); got != tt.permanent {
				t.Errorf("permanent = %v, want %v (err=%v)", got, tt.permanent, err)
			}
		})
	}
}

func TestConditionEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		condition string
		want      string
	}{
		{"drizzle", "\U0001f326"},
		{"Drizzle", "\U0001f326"},
		{"rain", "\U0001f327"},
		{"snow", "❄"},
		{"clear", "☀"},
		{"", "\U0001f4cd"},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			t.Parallel()
			if got := conditionEmoji(tt.condition); got != tt.want {
				t.Errorf("conditionEmoji(%q) = %q, want %q", tt.condition, got, tt.want)
			}
		})
	}
}

func TestCentroid_InvalidCell(t *testing.T) {
	t.Parallel()

	if got := centroid("zzz"); got != "_unknown_" {
		t.Errorf("centroid(invalid) = %q", got)
	}
	if got := centroid(testCell); got == "_unknown_" {
		t.Error("centroid of a valid cell should be coordinates")
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("device-1", "drizzle", "8928308280fffff")
	f.Add("", "", "")
	f.Add("<@U123> mention", "rain", "not-a-cell")
	f.Add("dev\x00\x01\x02", "sev\nline", "8928308280fffff")
	f.Add(strings.Repeat("A", 5000), "clear", strings.Repeat("f", 64))

	f.Fuzz(func(t *testing.T, device, condition, cell string) {
		r := testRequest()
		r.DeviceID = device
		r.Condition = condition
		r.Cell = geo.Cell(cell)

		// Must not panic
		msg := buildMessage(r)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 5 {
			t.Fatalf("blocks = %v, want 5", decoded["blocks"])
		}
	})
}
