package decode

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gustycube/subharvest/internal/types"
)

// decodeVMess handles the Base64+JSON envelope: vmess://<base64(json)>.
func decodeVMess(line, _ string) (*types.Configuration, error) {
	payload := strings.TrimPrefix(line, "vmess://")
	raw, err := decodeBase64Padded(payload)
	if err != nil {
		return nil, &Error{Scheme: "vmess", Reason: "malformed base64", Err: err}
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &Error{Scheme: "vmess", Reason: "invalid json", Err: err}
	}

	server := asString(fields["add"])
	if server == "" {
		return nil, &Error{Scheme: "vmess", Reason: "missing server address"}
	}
	port, err := asPort(fields["port"])
	if err != nil {
		return nil, &Error{Scheme: "vmess", Reason: "bad port", Err: err}
	}

	cfg := &types.Configuration{
		Protocol:   types.ProtocolVMess,
		Server:     server,
		Port:       port,
		Identity:   asString(fields["id"]),
		Cipher:     asString(fields["scy"]),
		Network:    asString(fields["net"]),
		Path:       asString(fields["path"]),
		HostHeader: asString(fields["host"]),
		TLS:        asString(fields["tls"]) == "tls",
		Metadata:   map[string]string{},
	}
	if cfg.Cipher == "" {
		cfg.Cipher = "auto"
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if name := asString(fields["ps"]); name != "" {
		cfg.Metadata["name"] = name
	}
	if aid := asString(fields["aid"]); aid != "" {
		cfg.Metadata["aid"] = aid
	}
	if v := asString(fields["v"]); v != "" {
		cfg.Metadata["v"] = v
	}
	return cfg, nil
}

// reencodeVMess reproduces the Base64+JSON envelope from canonical fields.
func reencodeVMess(c *types.Configuration) string {
	fields := map[string]interface{}{
		"add":  c.Server,
		"port": strconv.Itoa(c.Port),
		"id":   c.Identity,
		"scy":  c.Cipher,
		"net":  c.Network,
	}
	if c.Path != "" {
		fields["path"] = c.Path
	}
	if c.HostHeader != "" {
		fields["host"] = c.HostHeader
	}
	if c.TLS {
		fields["tls"] = "tls"
	}
	if name, ok := c.Metadata["name"]; ok {
		fields["ps"] = name
	}
	raw, _ := json.Marshal(fields)
	return "vmess://" + base64.StdEncoding.EncodeToString(raw)
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// asPort accepts both JSON numbers and quoted strings; feeds use either.
func asPort(v interface{}) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	case nil:
		return 0, fmt.Errorf("missing port")
	default:
		return 0, fmt.Errorf("unsupported port type %T", v)
	}
}

// hostPort splits a parsed URL into server and numeric port.
func hostPort(u *url.URL, scheme string) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, &Error{Scheme: scheme, Reason: "missing host"}
	}
	portStr := u.Port()
	if portStr == "" {
		return "", 0, &Error{Scheme: scheme, Reason: "missing port"}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, &Error{Scheme: scheme, Reason: "bad port", Err: err}
	}
	return host, port, nil
}
