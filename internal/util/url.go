package util

import (
	"net/url"
	"strings"
)

// UnknownDomain is the sentinel throttle key used when a URL cannot be parsed.
const UnknownDomain = "unknown"

// NormaliseDomain removes scheme and www. prefixes from a host name.
func NormaliseDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "www.")
	domain = strings.TrimSuffix(domain, "/")
	return strings.ToLower(domain)
}

// DomainOf derives the throttle domain for an item URL. Malformed URLs fall
// back to UnknownDomain so they still pass through admission control.
func DomainOf(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return UnknownDomain
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Hostname() == "" {
		return UnknownDomain
	}

	return NormaliseDomain(parsed.Hostname())
}
