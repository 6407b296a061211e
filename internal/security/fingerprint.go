package security

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	// tokenDelimiter joins hardware tokens before hashing. Changing it changes
	// every derived identity.
	tokenDelimiter = "|"

	fallbackHostname = "unknown-host"
	commandTimeout   = 3 * time.Second
)

// placeholderValues are firmware defaults that identify nothing.
var placeholderValues = map[string]bool{
	"":                       true,
	"0":                      true,
	"none":                   true,
	"default string":         true,
	"to be filled by o.e.m.": true,
	"not specified":          true,
	"system serial number":   true,
}

// Token is one hardware input to identity derivation. A token is either
// Available with a value or Unavailable on this host.
type Token struct {
	Source    string `json:"source"`
	Value     string `json:"value,omitempty"`
	Available bool   `json:"available"`
}

// Available returns a token carrying value.
func Available(source, value string) Token {
	return Token{Source: source, Value: value, Available: true}
}

// Unavailable returns a token marking source as unreadable.
func Unavailable(source string) Token {
	return Token{Source: source}
}

// HardwareSource reads a single hardware token.
type HardwareSource func() Token

// DeviceIdentity describes a derived identity and the inputs behind it
type DeviceIdentity struct {
	ID          string    `json:"id"`
	Tokens      []Token   `json:"tokens"`
	Hostname    string    `json:"hostname,omitempty"`
	OS          string    `json:"os"`
	GeneratedAt time.Time `json:"generated_at"`
}

// IdentityDeriver computes a stable hardware-derived device identifier.
// The result is cached for the lifetime of the deriver.
type IdentityDeriver struct {
	sources  []HardwareSource
	hostname func() (string, error)
	logger   *slog.Logger

	once     sync.Once
	identity DeviceIdentity
}

// NewIdentityDeriver creates a deriver reading the platform machine id and
// board serial, in that priority order.
func NewIdentityDeriver(logger *slog.Logger) *IdentityDeriver {
	return NewIdentityDeriverWithSources(logger, os.Hostname, MachineIDSource, BoardSerialSource)
}

// NewIdentityDeriverWithSources creates a deriver over explicit sources.
func NewIdentityDeriverWithSources(logger *slog.Logger, hostname func() (string, error), sources ...HardwareSource) *IdentityDeriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityDeriver{
		sources:  sources,
		hostname: hostname,
		logger:   logger.With(slog.String("component", "security.identity")),
	}
}

// DeriveStableID returns the hex SHA-256 identity of this machine. It never fails.
func (d *IdentityDeriver) DeriveStableID() string {
	return d.Describe().ID
}

// Describe returns the identity together with the tokens used to derive it.
func (d *IdentityDeriver) Describe() DeviceIdentity {
	d.once.Do(func() {
		d.identity = d.derive()
	})
	return d.identity
}

func (d *IdentityDeriver) derive() DeviceIdentity {
	tokens := make([]Token, 0, len(d.sources))
	values := make([]string, 0, len(d.sources))
	for _, source := range d.sources {
		tok := source()
		tokens = append(tokens, tok)
		if tok.Available {
			values = append(values, tok.Value)
		}
	}

	identity := DeviceIdentity{
		Tokens:      tokens,
		OS:          runtime.GOOS,
		GeneratedAt: time.Now(),
	}

	if len(values) == 0 {
		host := d.normalizedHostname()
		identity.Hostname = host
		values = append(values, host)
		d.logger.Warn("No hardware tokens available, deriving identity from hostname",
			slog.String("hostname", host))
	}

	identity.ID = HashTokens(values)

	d.logger.Debug("Device identity derived",
		slog.String("device_id", identity.ID),
		slog.Int("token_count", len(values)))

	return identity
}

func (d *IdentityDeriver) normalizedHostname() string {
	if d.hostname == nil {
		return fallbackHostname
	}
	host, err := d.hostname()
	if err != nil {
		d.logger.Warn("Failed to get hostname, using fallback", slog.String("error", err.Error()))
		return fallbackHostname
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return fallbackHostname
	}
	return host
}

// HashTokens joins values with the fixed delimiter and returns the hex
// SHA-256 digest of the UTF-8 bytes.
func HashTokens(values []string) string {
	sum := sha256.Sum256([]byte(strings.Join(values, tokenDelimiter)))
	return hex.EncodeToString(sum[:])
}

// MachineIDSource reads the OS-level machine identifier.
func MachineIDSource() Token {
	const source = "machine_id"
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if v := readTrimmed(path); !isPlaceholder(v) {
				return Available(source, v)
			}
		}
	case "darwin":
		out := runCommand("ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
		if v := parseKeyValue(out, "IOPlatformUUID", "="); !isPlaceholder(v) {
			return Available(source, v)
		}
	case "windows":
		out := runCommand("reg", "query", `HKLM\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid")
		if v := parseRegValue(out, "MachineGuid"); !isPlaceholder(v) {
			return Available(source, v)
		}
	}
	return Unavailable(source)
}

// BoardSerialSource reads the motherboard serial number. It usually needs
// elevated privileges and is Unavailable otherwise.
func BoardSerialSource() Token {
	const source = "board_serial"
	switch runtime.GOOS {
	case "linux":
		if v := readTrimmed("/sys/class/dmi/id/board_serial"); !isPlaceholder(v) {
			return Available(source, v)
		}
	case "windows":
		out := runCommand("wmic", "baseboard", "get", "serialnumber")
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) >= 2 {
			if v := strings.TrimSpace(lines[1]); !isPlaceholder(v) {
				return Available(source, v)
			}
		}
	}
	return Unavailable(source)
}

func isPlaceholder(v string) bool {
	return placeholderValues[strings.ToLower(strings.TrimSpace(v))]
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runCommand(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// parseKeyValue finds `"key" = "value"` style lines as printed by ioreg.
func parseKeyValue(out, key, sep string) string {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, key) {
			continue
		}
		parts := strings.SplitN(line, sep, 2)
		if len(parts) == 2 {
			return strings.Trim(strings.TrimSpace(parts[1]), `"`)
		}
	}
	return ""
}

// parseRegValue extracts the data column of a `reg query` line.
func parseRegValue(out, name string) string {
	scanner := bufio.NewScanner(bytes.NewReader([]byte(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[0] == name {
			return fields[len(fields)-1]
		}
	}
	return ""
}
