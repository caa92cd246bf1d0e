package model

import (
	"testing"
	"time"
)

func TestCertificateRecordIsActive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		validTo time.Time
		want    bool
	}{
		{name: "expired", validTo: now.Add(-time.Second), want: false},
		{name: "boundary", validTo: now, want: false},
		{name: "valid", validTo: now.Add(time.Second), want: true},
	}
	for _, tt := range tests {
		r := CertificateRecord{ValidTo: tt.validTo}
		if got := r.IsActive(now); got != tt.want {
			t.Fatalf("%s: IsActive=%v want %v", tt.name, got, tt.want)
		}
	}
}

func TestCertificateRecordIDKind(t *testing.T) {
	tests := []struct {
		id    string
		kind  IDKind
		label string
	}{
		{id: "12345678901234", kind: PersonalID, label: "PINFL: 12345678901234"},
		{id: "123456789", kind: TaxID, label: "TIN: 123456789"},
		{id: "5", kind: TaxID, label: "TIN: 5"},
		{id: "", kind: TaxID, label: ""},
	}
	for _, tt := range tests {
		r := CertificateRecord{TaxOrPersonalID: tt.id}
		if got := r.IDKind(); got != tt.kind {
			t.Fatalf("IDKind(%q)=%v want %v", tt.id, got, tt.kind)
		}
		if got := r.IDLabel(); got != tt.label {
			t.Fatalf("IDLabel(%q)=%q want %q", tt.id, got, tt.label)
		}
	}
}

func TestDisplayOrganization(t *testing.T) {
	if got := (CertificateRecord{}).DisplayOrganization(); got != "Individual" {
		t.Fatalf("unexpected placeholder: %q", got)
	}
	if got := (CertificateRecord{OrganizationName: "ACME"}).DisplayOrganization(); got != "ACME" {
		t.Fatalf("unexpected organization: %q", got)
	}
}

func TestRequestMethod(t *testing.T) {
	if got := NewRequest("", OpAPIKey, "localhost", "key").Method(); got != "apikey" {
		t.Fatalf("unexpected method: %q", got)
	}
	req := NewRequest(PluginPFX, OpListDisks)
	if got := req.Method(); got != "pfx/list_disks" {
		t.Fatalf("unexpected method: %q", got)
	}
	if req.Arguments == nil {
		t.Fatal("arguments must encode as an empty array")
	}
}
