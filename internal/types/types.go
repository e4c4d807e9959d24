package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Protocol identifies the wire format a connection string was decoded from.
type Protocol string

const (
	ProtocolVMess  Protocol = "vmess"
	ProtocolVLESS  Protocol = "vless"
	ProtocolTrojan Protocol = "trojan"
	ProtocolSS     Protocol = "ss"
)

// Protocols lists every supported protocol in decoder priority order.
var Protocols = []Protocol{ProtocolVMess, ProtocolVLESS, ProtocolTrojan, ProtocolSS}

// Configuration is the canonical decoded endpoint record. It is created once
// by the decoder; QualityScore is stamped exactly once by the scoring stage.
type Configuration struct {
	Protocol     Protocol          `json:"protocol"`
	Server       string            `json:"server"`
	Port         int               `json:"port"`
	Identity     string            `json:"identity,omitempty"`
	Secret       string            `json:"secret,omitempty"`
	Cipher       string            `json:"cipher,omitempty"`
	Network      string            `json:"network,omitempty"`
	Path         string            `json:"path,omitempty"`
	HostHeader   string            `json:"host_header,omitempty"`
	TLS          bool              `json:"tls"`
	QualityScore float64           `json:"quality_score"`
	SourceURL    string            `json:"source_url,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the record invariants.
func (c *Configuration) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("configuration has empty server")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("configuration port %d out of range", c.Port)
	}
	if c.QualityScore < 0 || c.QualityScore > 1 {
		return fmt.Errorf("configuration quality score %f out of range", c.QualityScore)
	}
	return nil
}

// Fingerprint is a stable short hash of the identifying fields, used as the
// content-hash dedup key and as the quality cache key.
func (c *Configuration) Fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s", c.Protocol, c.Server, c.Port, c.Identity, c.Secret)))
	return hex.EncodeToString(h[:])[:16]
}

// ValidationResult records the outcome of one reachability probe.
type ValidationResult struct {
	URL                  string        `json:"url"`
	Accessible           bool          `json:"accessible"`
	StatusCode           int           `json:"status_code"`
	ContentLength        int64         `json:"content_length"`
	EstimatedConfigCount int           `json:"estimated_config_count"`
	ProtocolsFound       []Protocol    `json:"protocols_found,omitempty"`
	ReliabilityScore     float64       `json:"reliability_score"`
	ResponseTime         time.Duration `json:"response_time"`
	Error                string        `json:"error,omitempty"`
	Timestamp            time.Time     `json:"timestamp"`
}
