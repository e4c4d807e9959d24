package decode

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/gustycube/subharvest/internal/types"
)

// decodeVLESS handles vless://<uuid>@host:port?params#name.
func decodeVLESS(line, _ string) (*types.Configuration, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, &Error{Scheme: "vless", Reason: "malformed uri", Err: err}
	}
	server, port, err := hostPort(u, "vless")
	if err != nil {
		return nil, err
	}

	cfg := &types.Configuration{
		Protocol: types.ProtocolVLESS,
		Server:   server,
		Port:     port,
		Metadata: map[string]string{},
	}
	if u.User != nil {
		cfg.Identity = u.User.Username()
	}
	applyQuery(cfg, u.Query())
	applyFragment(cfg, u.Fragment)
	return cfg, nil
}

// decodeTrojan handles trojan://<password>@host:port?params#name.
func decodeTrojan(line, _ string) (*types.Configuration, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, &Error{Scheme: "trojan", Reason: "malformed uri", Err: err}
	}
	server, port, err := hostPort(u, "trojan")
	if err != nil {
		return nil, err
	}

	cfg := &types.Configuration{
		Protocol: types.ProtocolTrojan,
		Server:   server,
		Port:     port,
		// Trojan endpoints are TLS-only unless the feed says otherwise.
		TLS:      true,
		Metadata: map[string]string{},
	}
	if u.User != nil {
		cfg.Secret = u.User.Username()
	}
	applyQuery(cfg, u.Query())
	if sec := u.Query().Get("security"); sec != "" && sec != "tls" {
		cfg.TLS = false
	}
	applyFragment(cfg, u.Fragment)
	return cfg, nil
}

// decodeSS handles ss://<userinfo>@host:port#name where userinfo is either
// "method:password" or Base64 of it.
func decodeSS(line, _ string) (*types.Configuration, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, &Error{Scheme: "ss", Reason: "malformed uri", Err: err}
	}
	server, port, err := hostPort(u, "ss")
	if err != nil {
		return nil, err
	}

	cfg := &types.Configuration{
		Protocol: types.ProtocolSS,
		Server:   server,
		Port:     port,
		Network:  "tcp",
		Metadata: map[string]string{},
	}

	if u.User == nil {
		return nil, &Error{Scheme: "ss", Reason: "missing userinfo"}
	}
	info := u.User.Username()
	if pw, ok := u.User.Password(); ok {
		cfg.Cipher = info
		cfg.Secret = pw
	} else {
		decoded, err := decodeBase64Padded(info)
		if err != nil {
			return nil, &Error{Scheme: "ss", Reason: "malformed userinfo", Err: err}
		}
		method, pw, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return nil, &Error{Scheme: "ss", Reason: "userinfo missing separator"}
		}
		cfg.Cipher = method
		cfg.Secret = pw
	}

	if plugin := u.Query().Get("plugin"); plugin != "" {
		cfg.Metadata["plugin"] = plugin
	}
	applyFragment(cfg, u.Fragment)
	return cfg, nil
}

// applyQuery maps the shared vless/trojan query parameters onto canonical
// fields. The display fragment is metadata, never data.
func applyQuery(cfg *types.Configuration, q url.Values) {
	cfg.Network = q.Get("type")
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	cfg.Path = q.Get("path")
	cfg.HostHeader = q.Get("host")
	if q.Get("security") == "tls" {
		cfg.TLS = true
	}
	if enc := q.Get("encryption"); enc != "" && enc != "none" {
		cfg.Cipher = enc
	}
	if sni := q.Get("sni"); sni != "" {
		cfg.Metadata["sni"] = sni
	}
	if flow := q.Get("flow"); flow != "" {
		cfg.Metadata["flow"] = flow
	}
}

func applyFragment(cfg *types.Configuration, fragment string) {
	if fragment == "" {
		return
	}
	if name, err := url.QueryUnescape(fragment); err == nil {
		cfg.Metadata["name"] = name
	} else {
		cfg.Metadata["name"] = fragment
	}
}

// Reencode produces a canonical connection string for a record. Decoding
// the result yields an equivalent record (same server, port, identity).
func Reencode(c *types.Configuration) string {
	switch c.Protocol {
	case types.ProtocolVMess:
		return reencodeVMess(c)
	case types.ProtocolVLESS:
		return reencodeURI("vless", c.Identity, c)
	case types.ProtocolTrojan:
		return reencodeURI("trojan", c.Secret, c)
	case types.ProtocolSS:
		return reencodeSS(c)
	default:
		return ""
	}
}

func reencodeURI(scheme, userinfo string, c *types.Configuration) string {
	u := url.URL{
		Scheme: scheme,
		Host:   c.Server + ":" + strconv.Itoa(c.Port),
	}
	if userinfo != "" {
		u.User = url.User(userinfo)
	}
	q := url.Values{}
	if c.Network != "" {
		q.Set("type", c.Network)
	}
	if c.Path != "" {
		q.Set("path", c.Path)
	}
	if c.HostHeader != "" {
		q.Set("host", c.HostHeader)
	}
	if c.TLS {
		q.Set("security", "tls")
	}
	u.RawQuery = q.Encode()
	if name, ok := c.Metadata["name"]; ok {
		u.Fragment = name
	}
	return u.String()
}

func reencodeSS(c *types.Configuration) string {
	u := url.URL{
		Scheme: "ss",
		Host:   c.Server + ":" + strconv.Itoa(c.Port),
		User:   url.UserPassword(c.Cipher, c.Secret),
	}
	if name, ok := c.Metadata["name"]; ok {
		u.Fragment = name
	}
	return u.String()
}
