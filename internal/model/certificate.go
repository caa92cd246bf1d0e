package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the daemon plugin that produced a certificate.
type Kind int

const (
	KindPFX Kind = iota
	KindCertKey
)

func (k Kind) String() string {
	switch k {
	case KindPFX:
		return "pfx"
	case KindCertKey:
		return "certkey"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Plugin returns the plugin name used to list and load keys of this kind.
func (k Kind) Plugin() string {
	if k == KindCertKey {
		return PluginCertKey
	}
	return PluginPFX
}

// IDKind tells apart organization tax numbers from personal identifiers.
type IDKind int

const (
	TaxID IDKind = iota
	PersonalID
)

// maxTaxIDLength is the length of an organization TIN. Anything longer is a
// personal identifier (PINFL, 14 digits).
const maxTaxIDLength = 9

const individualPlaceholder = "Individual"

// Location is the disk/path/name triple the daemon needs to find a key again.
type Location struct {
	Disk string `json:"disk"`
	Path string `json:"path"`
	Name string `json:"name"`
}

// PFXCertificate is the vendor object returned by pfx/list_certificates.
type PFXCertificate struct {
	Disk  string `json:"disk"`
	Path  string `json:"path"`
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

// CertKeyCertificate is the vendor object returned by certkey/list_certificates.
type CertKeyCertificate struct {
	Disk         string `json:"disk"`
	Path         string `json:"path"`
	Name         string `json:"name"`
	SerialNumber string `json:"serialNumber"`
	SubjectName  string `json:"subjectName"`
	ValidFrom    string `json:"validFrom"`
	ValidTo      string `json:"validTo"`
}

// CertificateRecord is a normalized identity discovered through the daemon.
type CertificateRecord struct {
	Kind             Kind
	Location         Location
	SerialNumber     string
	ValidFrom        time.Time
	ValidTo          time.Time
	ValidityInferred bool
	OwnerName        string
	OrganizationName string
	TaxOrPersonalID  string

	// Alias holds the pfx alias or the certkey subject name.
	Alias string
	// Raw is the vendor object exactly as the daemon returned it.
	Raw json.RawMessage
}

// IsActive reports whether now is strictly before the end of validity.
func (r CertificateRecord) IsActive(now time.Time) bool {
	return now.Before(r.ValidTo)
}

func (r CertificateRecord) IDKind() IDKind {
	if len(r.TaxOrPersonalID) > maxTaxIDLength {
		return PersonalID
	}
	return TaxID
}

func (r CertificateRecord) IDLabel() string {
	if r.TaxOrPersonalID == "" {
		return ""
	}
	if r.IDKind() == PersonalID {
		return "PINFL: " + r.TaxOrPersonalID
	}
	return "TIN: " + r.TaxOrPersonalID
}

func (r CertificateRecord) DisplayOrganization() string {
	if r.OrganizationName == "" {
		return individualPlaceholder
	}
	return r.OrganizationName
}

// Key is a stable selection key for the record.
func (r CertificateRecord) Key() string {
	return fmt.Sprintf("%s:%s:%s/%s/%s", r.Kind, r.SerialNumber, r.Location.Disk, r.Location.Path, r.Location.Name)
}
