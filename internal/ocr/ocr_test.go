package ocr

import (
	"context"
	"errors"
	"testing"
)

func TestNormalizeDigits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "٠١٢٣٤٥٦٧٨٩", want: "0123456789"},
		{in: "۰۱۲۳۴۵۶۷۸۹", want: "0123456789"},
		{in: "０１２３４５６７８９", want: "0123456789"},
		{in: "ID: ٩٨٧-abc", want: "ID: 987-abc"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizeDigits(tt.in); got != tt.want {
			t.Errorf("NormalizeDigits(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractNationalID(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{name: "ascii", text: "National No. 9871234567\nName", want: "9871234567", wantOK: true},
		{name: "arabic digits", text: "الرقم الوطني ٩٨٧١٢٣٤٥٦٧", want: "9871234567", wantOK: true},
		{name: "first long run wins", text: "12345 98712345670 1111111111", want: "98712345670", wantOK: true},
		{name: "mixed scripts join", text: "٩٨٧1234567", want: "9871234567", wantOK: true},
		{name: "separators break runs", text: "987-123-4567", wantOK: false},
		{name: "too short", text: "123456789", wantOK: false},
		{name: "empty", text: "", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractNationalID(tt.text)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractNationalID(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

type stubRecognizer struct {
	text string
	err  error
}

func (s stubRecognizer) Recognize(context.Context, string) (string, error) {
	return s.text, s.err
}

func TestExtractFromImage(t *testing.T) {
	id, ok, err := ExtractFromImage(context.Background(), stubRecognizer{text: "رقم ١٢٣٤٥٦٧٨٩٠"}, "aW1n")
	if err != nil || !ok || id != "1234567890" {
		t.Errorf("Unexpected result: %q %v %v", id, ok, err)
	}

	boom := errors.New("ocr failed")
	if _, _, err := ExtractFromImage(context.Background(), stubRecognizer{err: boom}, "aW1n"); !errors.Is(err, boom) {
		t.Errorf("Expected recognizer error, got %v", err)
	}
}

func TestTesseractRejectsInvalidBase64(t *testing.T) {
	tess := NewTesseract("", "")
	if _, err := tess.Recognize(context.Background(), "not base64!"); err == nil {
		t.Error("Expected error for invalid base64 input")
	}
}
