package protocol

import (
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := NewSuccessMessage(3)
	if err != nil {
		t.Fatalf("NewSuccessMessage() error = %v", err)
	}
	payload, _ := msg.Bytes()

	f, err := NewFrame(OpPublish, "rob2/command_result", payload)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	data, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	parsed, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if parsed.Op != OpPublish || parsed.Topic != "rob2/command_result" {
		t.Errorf("parsed = %+v", parsed)
	}

	inner, err := ParseMessage(parsed.Payload)
	if err != nil {
		t.Fatalf("ParseMessage(payload) error = %v", err)
	}
	res, err := inner.GetResultData()
	if err != nil {
		t.Fatalf("GetResultData() error = %v", err)
	}
	if res.Seq != 3 {
		t.Errorf("Seq = %d, want 3", res.Seq)
	}
}

func TestNewFrame_RejectsNonJSON(t *testing.T) {
	if _, err := NewFrame(OpPublish, "command_list", []byte("not json")); err == nil {
		t.Error("NewFrame() should reject a non-JSON payload")
	}
}

func TestParseFrame_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"unknown op", `{"op":"shout","topic":"a"}`},
		{"sub without topic", `{"op":"sub"}`},
		{"pub without topic", `{"op":"pub","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tt.data)); err == nil {
				t.Errorf("ParseFrame(%s) should fail", tt.data)
			}
		})
	}

	if _, err := ParseFrame([]byte(`{"op":"error","error":"boom"}`)); err != nil {
		t.Errorf("error frame without topic should parse: %v", err)
	}
}
