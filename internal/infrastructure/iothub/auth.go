package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	tokenTTL         = time.Hour
	tokenRenewBefore = 5 * time.Minute
)

// deviceIDPattern is the character set the registry accepts for device,
// module and configuration ids.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.+%_#*?!(),:=@$']{1,128}$`)

// ValidateDeviceID returns ErrInvalidID when id cannot be a registry id.
func ValidateDeviceID(id string) error {
	if !deviceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ConnectionString is a parsed service connection string.
type ConnectionString struct {
	HostName string
	KeyName  string
	Key      []byte
}

// ParseConnectionString parses
// HostName=<host>;SharedAccessKeyName=<policy>;SharedAccessKey=<base64 key>.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	var rawKey string
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "HostName":
			cs.HostName = v
		case "SharedAccessKeyName":
			cs.KeyName = v
		case "SharedAccessKey":
			// Base64 keys may end in '=' which Cut leaves on v.
			rawKey = v
		}
	}
	if cs.HostName == "" || cs.KeyName == "" || rawKey == "" {
		return ConnectionString{}, fmt.Errorf("%w: HostName, SharedAccessKeyName and SharedAccessKey are required", ErrInvalidConnString)
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return ConnectionString{}, fmt.Errorf("%w: SharedAccessKey is not base64: %w", ErrInvalidConnString, err)
	}
	cs.Key = key
	return cs, nil
}

// BuildSASToken signs a shared access token for resourceURI valid until expiry.
func BuildSASToken(resourceURI, keyName string, key []byte, expiry time.Time) string {
	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		sr, url.QueryEscape(sig), se, url.QueryEscape(keyName))
}

// DeriveDeviceKey computes a device's symmetric key from an enrollment
// group key: base64(HMAC-SHA256(base64decode(groupKey), registrationID)).
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("decoding enrollment group key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// authorization returns a cached SAS token, renewing it shortly before expiry.
func (c *Client) authorization() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	if c.token != "" && now.Add(tokenRenewBefore).Before(c.tokenExpiry) {
		return c.token
	}
	c.tokenExpiry = now.Add(tokenTTL)
	c.token = BuildSASToken(c.conn.HostName, c.conn.KeyName, c.conn.Key, c.tokenExpiry)
	return c.token
}
