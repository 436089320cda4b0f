package protocol

import (
	"errors"
	"testing"
)

func Test_marshal_unmarshal_round_trip(t *testing.T) {
	body := EncodeBody([]byte("hello world"))
	original := &Frame{
		Type:    TypeTunnelRequest,
		ID:      "abc-123",
		Method:  "GET",
		Path:    "/hello",
		Headers: map[string]string{"accept": "text/plain"},
		Body:    body,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("type mismatch: got %q, want %q", decoded.Type, original.Type)
	}
	if decoded.ID != original.ID {
		t.Errorf("id mismatch: got %q, want %q", decoded.ID, original.ID)
	}
	decodedBody, err := DecodeBody(decoded.Body)
	if err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if string(decodedBody) != "hello world" {
		t.Errorf("body mismatch: got %q", decodedBody)
	}
}

func Test_empty_body_is_null_not_empty_string(t *testing.T) {
	if EncodeBody(nil) != nil {
		t.Fatal("expected nil body to encode as null marker")
	}
	if EncodeBody([]byte{}) != nil {
		t.Fatal("expected zero-length body to encode as null marker, not empty string")
	}

	f := &Frame{Type: TypePing, Body: EncodeBody(nil)}
	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Body != nil {
		t.Errorf("expected null body on the wire, got %v", *decoded.Body)
	}
}

func Test_unmarshal_rejects_unknown_type(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"not-a-real-type"}`))
	if err == nil {
		t.Fatal("expected error for unknown frame type")
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected a *DecodeError, got %T", err)
	}
}

func Test_unmarshal_rejects_malformed_json(t *testing.T) {
	_, err := Unmarshal([]byte(`not json at all`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected a *DecodeError, got %T", err)
	}
}

func Test_all_frame_types_round_trip(t *testing.T) {
	types := []FrameType{
		TypeTunnelAssigned, TypeTunnelRequest, TypeTunnelResponse,
		TypeTunnelError, TypePing, TypePong,
	}

	for _, typ := range types {
		original := &Frame{Type: typ, ID: "fixed-id"}
		data, err := Marshal(original)
		if err != nil {
			t.Fatalf("type %s: marshal failed: %v", typ, err)
		}
		decoded, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("type %s: unmarshal failed: %v", typ, err)
		}
		if decoded.Type != typ {
			t.Errorf("type %s: got %s", typ, decoded.Type)
		}
	}
}

func Test_tunnel_assigned_frame_carries_subdomain_and_url(t *testing.T) {
	f := &Frame{
		Type:      TypeTunnelAssigned,
		Subdomain: "myapp",
		URL:       "https://myapp.tunnel.test.local",
	}
	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Subdomain != "myapp" {
		t.Errorf("subdomain mismatch: got %q", decoded.Subdomain)
	}
	if decoded.URL != "https://myapp.tunnel.test.local" {
		t.Errorf("url mismatch: got %q", decoded.URL)
	}
}
