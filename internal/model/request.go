package model

// Plugins exposed by the cryptapi service.
const (
	PluginPFX     = "pfx"
	PluginCertKey = "certkey"
	PluginPKCS7   = "pkcs7"
)

// Operation names understood by the daemon.
const (
	OpAPIKey           = "apikey"
	OpListDisks        = "list_disks"
	OpListCertificates = "list_certificates"
	OpLoadKey          = "load_key"
	OpCreatePKCS7      = "create_pkcs7"
)

// Request is a single frame sent to the signing daemon. The handshake
// frame carries no plugin.
type Request struct {
	Plugin    string   `json:"plugin,omitempty"`
	Name      string   `json:"name"`
	Arguments []string `json:"arguments"`
}

func NewRequest(plugin, name string, args ...string) Request {
	if args == nil {
		args = []string{}
	}
	return Request{Plugin: plugin, Name: name, Arguments: args}
}

// Method returns "plugin/name", or just the name for plugin-less frames.
func (r Request) Method() string {
	if r.Plugin == "" {
		return r.Name
	}
	return r.Plugin + "/" + r.Name
}
