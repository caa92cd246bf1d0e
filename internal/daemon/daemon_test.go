package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vocdoni/gofirma/eimzo/internal/app"
	"github.com/vocdoni/gofirma/eimzo/internal/config"
	"github.com/vocdoni/gofirma/eimzo/internal/crypto/certs"
	"github.com/vocdoni/gofirma/eimzo/internal/crypto/cms"
	"github.com/vocdoni/gofirma/eimzo/internal/crypto/pfx"
	"github.com/vocdoni/gofirma/eimzo/internal/eimzo"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
	"github.com/vocdoni/gofirma/eimzo/internal/net"
	"github.com/vocdoni/gofirma/eimzo/internal/testing/certgen"
)

const testAPIKey = "86F7E437FAA5A7FCE15D1DDCB9EAEAEA377667B8"

type fixture struct {
	server *Server
	http   *httptest.Server
	disk   string
	id     certgen.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	id := certgen.NewIdentity(t, certgen.Subject{
		CommonName:   "Ali Valiyev",
		Organization: "OOO Test",
		TIN:          "123456789",
		Serial:       0x2a5f,
		NotBefore:    time.Now().Add(-24 * time.Hour).Truncate(time.Second),
		NotAfter:     time.Now().AddDate(1, 0, 0).Truncate(time.Second),
	})
	certgen.WritePFX(t, filepath.Join(dir, keysDir), "Ali.pfx", id, "secret")

	opts := config.Defaults()
	opts.APIKeys = map[string]string{"localhost": testAPIKey}
	opts.Disks = map[string]string{"D:": dir}
	// Viper hands map keys back lowercased.
	opts.PFXPasswords = map[string]string{"ali.pfx": "secret"}

	s := New(opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return &fixture{server: s, http: srv, disk: "D:", id: id}
}

func (f *fixture) transport(t *testing.T) *net.WSTransport {
	t.Helper()
	u, err := url.Parse(f.http.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return &net.WSTransport{Host: u.Hostname(), Port: port, Timeout: 5 * time.Second}
}

// session keeps one socket open, unlike the client transport.
func (f *fixture) session(t *testing.T) *websocket.Conn {
	t.Helper()
	return f.sessionFrom(t, "")
}

func (f *fixture) sessionFrom(t *testing.T, origin string) *websocket.Conn {
	t.Helper()
	var header http.Header
	if origin != "" {
		header = http.Header{"Origin": []string{origin}}
	}
	endpoint := "ws" + strings.TrimPrefix(f.http.URL, "http") + net.ServicePath
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req model.Request) model.Response {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", req.Method(), err)
	}
	var resp model.Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read %s: %v", req.Method(), err)
	}
	return resp
}

func TestStoreSignsThroughDaemon(t *testing.T) {
	f := newFixture(t)
	client := eimzo.New(f.transport(t), "localhost", testAPIKey)
	store := app.New(client)
	defer store.Dispose()

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	active := store.Active()
	if len(active) != 1 {
		t.Fatalf("expected 1 active certificate, got %d", len(active))
	}
	rec := active[0]
	if rec.Kind != model.KindPFX || rec.OwnerName != "Ali Valiyev" || rec.OrganizationName != "OOO Test" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.TaxOrPersonalID != "123456789" || rec.IDLabel() != "TIN: 123456789" {
		t.Fatalf("unexpected id: %q", rec.TaxOrPersonalID)
	}
	if rec.SerialNumber != "2a5f" || rec.ValidityInferred {
		t.Fatalf("unexpected serial/validity: %q inferred=%t", rec.SerialNumber, rec.ValidityInferred)
	}
	if !rec.ValidTo.Equal(f.id.Cert.NotAfter) {
		t.Fatalf("validTo = %v, want %v", rec.ValidTo, f.id.Cert.NotAfter)
	}

	hash := sha256.Sum256([]byte("document"))
	blob, err := store.ActivateAndSign(context.Background(), rec, hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	info, err := cms.Inspect(blob)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.SerialNumber != "2a5f" || !info.Attached {
		t.Fatalf("unexpected signature: serial=%s attached=%t", info.SerialNumber, info.Attached)
	}
	if string(info.Content) != string(hash[:]) {
		t.Fatalf("signed content differs from hash")
	}
	if err := info.Verify(nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestHandshakeRejectsUnknownKey(t *testing.T) {
	f := newFixture(t)
	client := eimzo.New(f.transport(t), "localhost", "wrong")
	err := client.Handshake(context.Background())
	if !errors.Is(err, eimzo.ErrAPIKeyRejected) {
		t.Fatalf("expected ErrAPIKeyRejected, got %v", err)
	}
	if got := testutil.ToFloat64(f.server.metrics.requests.WithLabelValues("", model.OpAPIKey, resultRejected)); got != 1 {
		t.Fatalf("rejected handshakes = %v, want 1", got)
	}
}

func TestRequiresHandshakeFirst(t *testing.T) {
	f := newFixture(t)
	conn := f.session(t)

	resp := roundTrip(t, conn, model.NewRequest(model.PluginPFX, model.OpListDisks))
	if resp.Success || !strings.Contains(resp.Reason, ErrNotAuthorized.Error()) {
		t.Fatalf("expected rejection, got %+v", resp)
	}

	resp = roundTrip(t, conn, model.NewRequest("", model.OpAPIKey, "LOCALHOST", testAPIKey))
	if !resp.Success {
		t.Fatalf("handshake failed: %s", resp.Reason)
	}
	resp = roundTrip(t, conn, model.NewRequest(model.PluginPFX, model.OpListDisks))
	if !resp.Success || len(resp.Disks) != 1 || resp.Disks[0] != "D:" {
		t.Fatalf("unexpected disks: %+v", resp)
	}
}

func TestUnknownPluginAndOperation(t *testing.T) {
	f := newFixture(t)
	conn := f.session(t)
	roundTrip(t, conn, model.NewRequest("", model.OpAPIKey, "localhost", testAPIKey))

	resp := roundTrip(t, conn, model.NewRequest("ftjc", model.OpListDisks))
	if resp.Success || !strings.Contains(resp.Reason, ErrUnknownPlugin.Error()) {
		t.Fatalf("expected unknown plugin, got %+v", resp)
	}
	resp = roundTrip(t, conn, model.NewRequest(model.PluginCertKey, model.OpCreatePKCS7))
	if resp.Success || !strings.Contains(resp.Reason, ErrUnknownOperation.Error()) {
		t.Fatalf("expected unknown operation, got %+v", resp)
	}
}

func TestListCertificatesUnknownDisk(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.containers.listCertificates(context.Background(), []string{"Z:"})
	if !errors.Is(err, ErrUnknownDisk) {
		t.Fatalf("expected ErrUnknownDisk, got %v", err)
	}
}

func TestListSkipsUndecryptableContainers(t *testing.T) {
	f := newFixture(t)
	other := certgen.NewIdentity(t, certgen.Subject{CommonName: "Locked"})
	certgen.WritePFX(t, filepath.Join(f.server.containers.disks[f.disk], keysDir), "locked.pfx", other, "unknown")

	resp, err := f.server.containers.listCertificates(context.Background(), []string{f.disk})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(resp.Certificates))
	}

	_, err = f.server.containers.loadKey(context.Background(), []string{f.disk, keysDir, "locked.pfx", ""})
	if !errors.Is(err, pfx.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestLoadKeyRejectsTraversal(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.containers.loadKey(context.Background(), []string{f.disk, "..", "Ali.pfx", ""})
	if !errors.Is(err, pfx.ErrInvalidContainer) {
		t.Fatalf("expected ErrInvalidContainer, got %v", err)
	}
	_, err = f.server.containers.loadKey(context.Background(), []string{f.disk, keysDir, "../DSKEYS/Ali.pfx", ""})
	if !errors.Is(err, pfx.ErrInvalidContainer) {
		t.Fatalf("expected ErrInvalidContainer, got %v", err)
	}
}

func TestLoadKeyAliasMismatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.containers.loadKey(context.Background(), []string{f.disk, keysDir, "Ali.pfx", "cn=someone else"})
	if !errors.Is(err, ErrAliasMismatch) {
		t.Fatalf("expected ErrAliasMismatch, got %v", err)
	}
}

func TestCreatePKCS7Detached(t *testing.T) {
	f := newFixture(t)
	resp, err := f.server.containers.loadKey(context.Background(), []string{f.disk, keysDir, "Ali.pfx", pfxAlias(f.id.Cert)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	content := []byte("payload")
	out, err := f.server.createPKCS7(context.Background(), []string{eimzo.Base64URL(content), resp.KeyID, "yes"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if out.SignerSerialNumber != "2a5f" {
		t.Fatalf("signer serial = %q", out.SignerSerialNumber)
	}
	info, err := cms.Inspect(out.PKCS7)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Attached {
		t.Fatalf("expected detached signature")
	}
	if err := info.Verify(content); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestCreatePKCS7UnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.createPKCS7(context.Background(), []string{"AA", "missing", "no"})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	_, err = f.server.createPKCS7(context.Background(), []string{"!!", "missing", "no"})
	if !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected ErrBadArguments, got %v", err)
	}
}

func TestCloseForgetsKeys(t *testing.T) {
	f := newFixture(t)
	resp, err := f.server.containers.loadKey(context.Background(), []string{f.disk, keysDir, "Ali.pfx", pfxAlias(f.id.Cert)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := f.server.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.server.keys.get(resp.KeyID); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey after close, got %v", err)
	}
}

func TestAliasParsesBack(t *testing.T) {
	id := certgen.NewIdentity(t, certgen.Subject{
		CommonName: "Aziz Karimov",
		PINFL:      "30101995550011",
		Serial:     0xbeef,
	})
	raw, err := json.Marshal(model.PFXCertificate{Disk: "D:", Path: keysDir, Name: "a.pfx", Alias: pfxAlias(id.Cert)})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := certs.ParsePFX(raw, time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.OwnerName != "Aziz Karimov" || rec.TaxOrPersonalID != "30101995550011" || rec.SerialNumber != "beef" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.IDKind() != model.PersonalID || rec.DisplayOrganization() != "Individual" {
		t.Fatalf("expected an individual with a PINFL, got %+v", rec)
	}
}

func TestTokenSubjectUsesVendorKeys(t *testing.T) {
	id := certgen.NewIdentity(t, certgen.Subject{CommonName: "Ali Valiyev", Organization: "OOO, Test", TIN: "123456789"})
	got := tokenSubject(id.Cert)
	if got != "CN=Ali Valiyev,O=OOO  Test,INN=123456789" {
		t.Fatalf("unexpected subject %q", got)
	}
}

type fakeLabels struct {
	names []string
	err   error
}

func (f fakeLabels) labels(context.Context) ([]string, error) { return f.names, f.err }

func TestListDisksMergesTokenLabels(t *testing.T) {
	f := newFixture(t)
	f.server.tokenLabels = fakeLabels{names: []string{"ESIGN", "d:"}}

	resp, err := f.server.listDisks(context.Background(), nil)
	if err != nil {
		t.Fatalf("list disks: %v", err)
	}
	if diff := cmp.Diff([]string{"D:", "ESIGN"}, resp.Disks); diff != "" {
		t.Fatalf("unexpected disks (-want +got):\n%s", diff)
	}
}

func TestListDisksIgnoresTokenFailure(t *testing.T) {
	f := newFixture(t)
	f.server.tokenLabels = fakeLabels{err: errors.New("module not loaded")}

	resp, err := f.server.listDisks(context.Background(), nil)
	if err != nil {
		t.Fatalf("list disks: %v", err)
	}
	if diff := cmp.Diff([]string{"D:"}, resp.Disks); diff != "" {
		t.Fatalf("unexpected disks (-want +got):\n%s", diff)
	}
}

func TestListDisksThroughClient(t *testing.T) {
	f := newFixture(t)
	f.server.tokenLabels = fakeLabels{names: []string{"ESIGN"}}
	client := eimzo.New(f.transport(t), "localhost", testAPIKey)

	if err := client.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	disks, err := client.ListDisks(context.Background())
	if err != nil {
		t.Fatalf("list disks: %v", err)
	}
	if diff := cmp.Diff([]string{"D:", "ESIGN"}, disks); diff != "" {
		t.Fatalf("unexpected disks (-want +got):\n%s", diff)
	}
	records, err := client.ListCertificates(context.Background())
	if err != nil {
		t.Fatalf("list certificates: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the pfx record only, got %d", len(records))
	}
}

func TestHandshakeCarriesAcrossConnections(t *testing.T) {
	f := newFixture(t)

	first := f.sessionFrom(t, "https://posta.uz")
	resp := roundTrip(t, first, model.NewRequest("", model.OpAPIKey, "localhost", testAPIKey))
	if !resp.Success {
		t.Fatalf("handshake failed: %s", resp.Reason)
	}
	first.Close()

	second := f.sessionFrom(t, "https://POSTA.uz")
	resp = roundTrip(t, second, model.NewRequest(model.PluginPFX, model.OpListDisks))
	if !resp.Success {
		t.Fatalf("expected the accepted origin to be served, got %+v", resp)
	}

	other := f.sessionFrom(t, "https://other.uz")
	resp = roundTrip(t, other, model.NewRequest(model.PluginPFX, model.OpListDisks))
	if resp.Success || !strings.Contains(resp.Reason, ErrNotAuthorized.Error()) {
		t.Fatalf("expected another origin to be rejected, got %+v", resp)
	}

	if err := f.server.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	resp = roundTrip(t, second, model.NewRequest(model.PluginPFX, model.OpListDisks))
	if resp.Success {
		t.Fatalf("expected close to forget accepted clients, got %+v", resp)
	}
}
