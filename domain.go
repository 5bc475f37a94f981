package phxredux

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/trixtateam/phoenix-to-redux/realtime"
)

const (
	socketURI            = "socket"
	socketProtocolSecure = "wss:"
	socketProtocolPlain  = "ws:"
)

var schemePrefix = regexp.MustCompile(`wss?://|wss?:`)

// FormatSocketDomain turns a host or URL into a socket endpoint. It appends
// "/socket" when missing and prefixes ws:// for localhost, wss:// otherwise.
// Empty input yields "", which callers treat as "do not connect".
func FormatSocketDomain(raw string) string {
	if raw == "" {
		return ""
	}

	domain := raw
	if !strings.Contains(domain, "/"+socketURI) {
		domain = domain + "/" + socketURI
	}

	if !strings.Contains(domain, socketProtocolSecure) && !strings.Contains(domain, socketProtocolPlain) {
		if strings.HasPrefix(domain, "localhost") {
			domain = socketProtocolPlain + "//" + domain
		} else {
			domain = socketProtocolSecure + "//" + domain
		}
	}

	return domain
}

// FormatSocketDomainValue is FormatSocketDomain for untyped input. Anything
// other than a string yields "".
func FormatSocketDomainValue(raw interface{}) string {
	s, ok := raw.(string)
	if !ok {
		return ""
	}
	return FormatSocketDomain(s)
}

// DomainKeyFromURL strips the scheme and the socket paths from an endpoint,
// leaving the key used to tell domains apart.
func DomainKeyFromURL(domainURL string) string {
	if domainURL == "" {
		return ""
	}
	key := schemePrefix.ReplaceAllString(domainURL, "")
	key = strings.Replace(key, "/websocket", "", 1)
	key = strings.Replace(key, "/"+socketURI, "", 1)
	return key
}

// GetURLParameter returns the decoded value of name in a URL or query
// string, or fallback when absent.
func GetURLParameter(location, name, fallback string) string {
	query := location
	if i := strings.Index(query, "?"); i >= 0 {
		query = query[i+1:]
	}
	if i := strings.Index(query, "#"); i >= 0 {
		query = query[:i]
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return fallback
	}
	if value := values.Get(name); value != "" {
		return value
	}
	return fallback
}

// hasValidSocket is the guard every socket-dependent intent checks first.
func hasValidSocket(socket realtime.Socket) bool {
	return socket != nil
}
