package correlation

import (
	"errors"
	"testing"

	"github.com/hitoshi/calbridge/internal/model"
)

func TestEncode_PlainIdentifier(t *testing.T) {
	got := New("u1", model.ProviderGoogle, model.ProviderTypeCalendar).Encode()
	if got != "u1:GOOGLE:calendar" {
		t.Errorf("Encode() = %q, want %q", got, "u1:GOOGLE:calendar")
	}
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		tok  Token
	}{
		{"uuid", New("0b7c1f0e-3d1a-4c53-9a57-0d8c2b2b8f11", model.ProviderGoogle, model.ProviderTypeCalendar)},
		{"email", New("a@b.com", model.ProviderMicrosoft, model.ProviderTypeEmail)},
		{"区切り文字を含む", New("session:abc:def", model.ProviderWhatsApp, model.ProviderTypeMessaging)},
		{"パーセントを含む", New("id%3Awith%25", model.ProviderTelegram, model.ProviderTypeMessaging)},
		{"区切り文字のみ", New(":::", model.ProviderIMAP, model.ProviderTypeEmail)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.tok.Encode())
			if err != nil {
				t.Fatalf("Parse がエラーを返した: %v", err)
			}
			if got.UserIdentifier != tt.tok.UserIdentifier {
				t.Errorf("UserIdentifier = %q, want %q", got.UserIdentifier, tt.tok.UserIdentifier)
			}
			if got.Provider != tt.tok.Provider {
				t.Errorf("Provider = %q, want %q", got.Provider, tt.tok.Provider)
			}
			if got.ProviderType != tt.tok.ProviderType {
				t.Errorf("ProviderType = %q, want %q", got.ProviderType, tt.tok.ProviderType)
			}
			if got.Legacy {
				t.Error("新形式ラベルはLegacyであってはならない")
			}
		})
	}
}

func TestParse_LegacyLabel(t *testing.T) {
	got, err := Parse("a@b.com")
	if err != nil {
		t.Fatalf("Parse がエラーを返した: %v", err)
	}
	if got.UserIdentifier != "a@b.com" {
		t.Errorf("UserIdentifier = %q, want %q", got.UserIdentifier, "a@b.com")
	}
	if got.Provider != model.ProviderGoogle || got.ProviderType != model.ProviderTypeCalendar {
		t.Errorf("旧形式の既定値が不正: %s/%s", got.Provider, got.ProviderType)
	}
	if !got.Legacy {
		t.Error("旧形式ラベルはLegacyであるべき")
	}
}

func TestParse_Malformed(t *testing.T) {
	labels := []string{
		"",
		"u1:GOOGLE",
		"u1:GOOGLE:calendar:extra",
		":GOOGLE:calendar",
		"u1:YAHOO:calendar",
		"u1:GOOGLE:fax",
	}
	for _, label := range labels {
		if _, err := Parse(label); !errors.Is(err, ErrMalformedLabel) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformedLabel", label, err)
		}
	}
}

func TestParse_NormalizesCase(t *testing.T) {
	got, err := Parse("u1:google:Calendar")
	if err != nil {
		t.Fatalf("Parse がエラーを返した: %v", err)
	}
	if got.Provider != model.ProviderGoogle || got.ProviderType != model.ProviderTypeCalendar {
		t.Errorf("got %s/%s, want GOOGLE/calendar", got.Provider, got.ProviderType)
	}
}
