package certs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

// ErrUnrecognizedCertificate is returned for vendor objects that carry none
// of the fields identifying their kind.
var ErrUnrecognizedCertificate = errors.New("unrecognized certificate object")

// Parse normalizes a raw vendor object of the given kind.
func Parse(kind model.Kind, raw json.RawMessage, now time.Time) (model.CertificateRecord, error) {
	switch kind {
	case model.KindPFX:
		return ParsePFX(raw, now)
	case model.KindCertKey:
		return ParseCertKey(raw, now)
	default:
		return model.CertificateRecord{}, fmt.Errorf("%w: unknown kind %s", ErrUnrecognizedCertificate, kind)
	}
}

// ParsePFX normalizes a software key container. Identity and validity are
// read from the alias string.
func ParsePFX(raw json.RawMessage, now time.Time) (model.CertificateRecord, error) {
	var c model.PFXCertificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.CertificateRecord{}, fmt.Errorf("%w: %v", ErrUnrecognizedCertificate, err)
	}
	if c.Alias == "" && c.Name == "" {
		return model.CertificateRecord{}, fmt.Errorf("%w: pfx object without alias and name", ErrUnrecognizedCertificate)
	}

	attrs := SplitAttributes(c.Alias)
	from, to, inferred := validity(Attribute(attrs, KeyValidFrom, ""), Attribute(attrs, KeyValidTo, ""), now)

	return model.CertificateRecord{
		Kind:             model.KindPFX,
		Location:         model.Location{Disk: c.Disk, Path: c.Path, Name: c.Name},
		SerialNumber:     Attribute(attrs, KeySerialNumber, ""),
		ValidFrom:        from,
		ValidTo:          to,
		ValidityInferred: inferred,
		OwnerName:        Attribute(attrs, KeyCommonName, ""),
		OrganizationName: Attribute(attrs, KeyOrganization, ""),
		TaxOrPersonalID:  ExtractID(attrs, pfxIDKeys...),
		Alias:            c.Alias,
		Raw:              append(json.RawMessage(nil), raw...),
	}, nil
}

// ParseCertKey normalizes a hardware token certificate. Validity comes from
// the dedicated fields of the vendor object.
func ParseCertKey(raw json.RawMessage, now time.Time) (model.CertificateRecord, error) {
	var c model.CertKeyCertificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.CertificateRecord{}, fmt.Errorf("%w: %v", ErrUnrecognizedCertificate, err)
	}
	if c.SubjectName == "" && c.SerialNumber == "" {
		return model.CertificateRecord{}, fmt.Errorf("%w: certkey object without subjectName and serialNumber", ErrUnrecognizedCertificate)
	}

	attrs := SplitAttributes(c.SubjectName)
	from, to, inferred := validity(c.ValidFrom, c.ValidTo, now)

	return model.CertificateRecord{
		Kind:             model.KindCertKey,
		Location:         model.Location{Disk: c.Disk, Path: c.Path, Name: c.Name},
		SerialNumber:     c.SerialNumber,
		ValidFrom:        from,
		ValidTo:          to,
		ValidityInferred: inferred,
		OwnerName:        Attribute(attrs, KeyCommonName, ""),
		OrganizationName: Attribute(attrs, KeyOrganization, ""),
		TaxOrPersonalID:  ExtractID(attrs, certKeyIDKeys...),
		Alias:            c.SubjectName,
		Raw:              append(json.RawMessage(nil), raw...),
	}, nil
}
