package daemon

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"
	"time"
)

var (
	oidOrgTIN = asn1.ObjectIdentifier{1, 2, 860, 3, 16, 1, 1}
	oidPINFL  = asn1.ObjectIdentifier{1, 2, 860, 3, 16, 1, 2}
)

// dateLayout is the daemon's rendering of validity bounds.
const dateLayout = "2006.01.02 15:04:05"

type attr struct{ key, value string }

func renderAttrs(attrs []attr) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if a.value == "" {
			continue
		}
		parts = append(parts, a.key+"="+strings.ReplaceAll(a.value, ",", " "))
	}
	return strings.Join(parts, ",")
}

func extraName(cert *x509.Certificate, oid asn1.ObjectIdentifier) string {
	for _, n := range cert.Subject.Names {
		if n.Type.Equal(oid) {
			if s, ok := n.Value.(string); ok {
				return s
			}
			return fmt.Sprint(n.Value)
		}
	}
	return ""
}

func serialHex(cert *x509.Certificate) string {
	return fmt.Sprintf("%x", cert.SerialNumber)
}

func formatDate(t time.Time) string {
	return t.Local().Format(dateLayout)
}

// pfxAlias renders the lowercase alias string the pfx plugin reports.
func pfxAlias(cert *x509.Certificate) string {
	return renderAttrs([]attr{
		{"cn", cert.Subject.CommonName},
		{"o", first(cert.Subject.Organization)},
		{oidOrgTIN.String(), extraName(cert, oidOrgTIN)},
		{oidPINFL.String(), extraName(cert, oidPINFL)},
		{"serialnumber", serialHex(cert)},
		{"validfrom", formatDate(cert.NotBefore)},
		{"validto", formatDate(cert.NotAfter)},
	})
}

// tokenSubject renders the subject name the certkey plugin reports. The
// organization TIN travels as INN and the personal number as UID.
func tokenSubject(cert *x509.Certificate) string {
	return renderAttrs([]attr{
		{"CN", cert.Subject.CommonName},
		{"O", first(cert.Subject.Organization)},
		{"INN", extraName(cert, oidOrgTIN)},
		{"UID", extraName(cert, oidPINFL)},
	})
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
