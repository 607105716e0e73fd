package protocol

import (
	"bytes"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that any payload that fits the length field survives encoding
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloadLen := rapid.IntRange(0, 4096).Draw(t, "payloadLen")
		payload := rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload")

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, payload); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if !bytes.Equal(decoded, payload) {
			t.Fatalf("payload mismatch")
		}
		if buf.Len() != 0 {
			t.Fatalf("decoder left %d unread bytes", buf.Len())
		}
	})
}

// TestHeaderOnlyRoundTrip tests that any valid header survives encoding
// on an envelope with no data
func TestHeaderOnlyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		header := rapid.StringN(1, -1, -1).Draw(t, "header")

		payload, err := NewEnvelope(header, nil).Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(payload) != 2+len(header) {
			t.Fatalf("payload is %d bytes, want %d", len(payload), 2+len(header))
		}

		decoded, err := DecodeEnvelope(payload)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Header != header {
			t.Fatalf("header mismatch: got %q, want %q", decoded.Header, header)
		}
		if decoded.Data != nil {
			t.Fatalf("expected nil data, got %d bytes", len(decoded.Data))
		}
	})
}

// TestEnvelopeRoundTrip tests framed envelopes with arbitrary headers and data
func TestEnvelopeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		typ := rapid.StringMatching(`[a-z_]{1,16}`).Draw(t, "type")
		resource := rapid.String().Draw(t, "resource")
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")

		original := NewEnvelope(BuildHeader(typ, resource), data)

		var buf bytes.Buffer
		if err := WriteEnvelope(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := ReadEnvelope(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Header != original.Header {
			t.Fatalf("header mismatch: got %q, want %q", decoded.Header, original.Header)
		}
		if !bytes.Equal(decoded.Data, original.Data) {
			t.Fatalf("data mismatch")
		}
		if decoded.Type() != typ {
			t.Fatalf("type mismatch: got %q, want %q", decoded.Type(), typ)
		}
		gotResource, _ := decoded.Resource()
		if gotResource != resource {
			t.Fatalf("resource mismatch: got %q, want %q", gotResource, resource)
		}
	})
}

// TestSplitHeaderFirstColonOnly tests that only the first separator splits
func TestSplitHeaderFirstColonOnly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		typ := rapid.StringMatching(`[a-z_]{1,16}`).Draw(t, "type")
		parts := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9.]{1,8}`), 1, 5).Draw(t, "parts")
		resource := strings.Join(parts, ":")

		gotType, gotResource, ok := SplitHeader(typ + ":" + resource)
		if !ok || gotType != typ || gotResource != resource {
			t.Fatalf("split mismatch: got (%q, %q, %v)", gotType, gotResource, ok)
		}
	})
}

// TestRouterDispatchInvariants tests that registered types hit exactly their
// handler once and unregistered types hit nothing
func TestRouterDispatchInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		registered := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}`), 1, 6, rapid.ID[string]).Draw(t, "registered")
		calls := make(map[string]int)
		resources := make(map[string]string)

		router := NewRouter[struct{}]()
		for i, typ := range registered {
			typ := typ
			if i%2 == 0 {
				router.Handle(typ, func(struct{}) error {
					calls[typ]++
					return nil
				})
			} else {
				router.HandleResource(typ, func(resource string, _ struct{}) error {
					calls[typ]++
					resources[typ] = resource
					return nil
				})
			}
		}

		target := rapid.SampledFrom(registered).Draw(t, "target")
		resource := rapid.StringMatching(`[a-z0-9.:]{1,12}`).Draw(t, "resource")
		if err := router.Dispatch(BuildHeader(target, resource), struct{}{}); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}

		for _, typ := range registered {
			want := 0
			if typ == target {
				want = 1
			}
			if calls[typ] != want {
				t.Fatalf("handler %q called %d times, want %d", typ, calls[typ], want)
			}
		}
		if got, ok := resources[target]; ok && got != resource {
			t.Fatalf("resource mismatch: got %q, want %q", got, resource)
		}

		unknown := rapid.StringMatching(`[A-Z]{1,8}`).Draw(t, "unknown")
		if err := router.Dispatch(unknown, struct{}{}); err == nil {
			t.Fatalf("expected error for unknown type %q", unknown)
		}
		total := 0
		for _, n := range calls {
			total += n
		}
		if total != 1 {
			t.Fatalf("unknown type invoked a handler")
		}
	})
}
