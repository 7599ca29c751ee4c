// pkg/address/address.go
// Package address parses and renders the sb:// listener address described
// in spec.md §3 and §6, including the derivation of the wss:// control
// channel URL and the https:// projection used by the accept pipeline.
package address

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// ErrWrongScheme is returned by Parse when the address scheme is not "sb".
var ErrWrongScheme = errors.New("address: scheme must be sb")

// Address is a parsed sb://<namespace>/<path>[?<query>] listener address.
type Address struct {
	Namespace string // host, the relay namespace
	Path      string // hybrid connection name, no leading slash
	RawQuery  string // as supplied, unfiltered
}

// Parse validates and decomposes a raw "sb://..." address.
func Parse(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, err
	}
	if u.Scheme != "sb" {
		return Address{}, ErrWrongScheme
	}
	return Address{
		Namespace: u.Host,
		Path:      strings.TrimPrefix(u.Path, "/"),
		RawQuery:  u.RawQuery,
	}, nil
}

// String renders the address back into sb:// form.
func (a Address) String() string {
	u := url.URL{Scheme: "sb", Host: a.Namespace, Path: "/" + a.Path, RawQuery: a.RawQuery}
	return u.String()
}

// ControlURL builds the wss:// control-channel URL per spec.md §6:
// wss://<namespace>:<port>/$hc/<path>?<filtered-query>&sb-hc-action=listen&sb-hc-id=<baseTrackingID>
func (a Address) ControlURL(baseTrackingID string, port int) string {
	if port == 0 {
		port = 443
	}
	q := FilterRelayParams(a.RawQuery)
	vals, _ := url.ParseQuery(q)
	vals.Set("sb-hc-action", "listen")
	vals.Set("sb-hc-id", baseTrackingID)

	u := url.URL{
		Scheme:   "wss",
		Host:     a.Namespace + ":" + strconv.Itoa(port),
		Path:     "/$hc/" + a.Path,
		RawQuery: vals.Encode(),
	}
	return u.String()
}

// HTTPSURL renders the https:// projection of the address used as the
// base of the accept pipeline's logical request URI (spec.md §4.5 step 2):
// scheme/host/port only, no path — the caller appends the per-request
// logical path and filtered query itself.
func (a Address) HTTPSURL(port int) string {
	if port == 0 {
		port = 443
	}
	u := url.URL{Scheme: "https", Host: a.Namespace + ":" + strconv.Itoa(port)}
	return u.String()
}

// FilterRelayParams drops relay-internal "sb-hc-*" query parameters from a
// raw query string, per spec.md §4.5 step 2.
func FilterRelayParams(rawQuery string) string {
	vals, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	for k := range vals {
		if strings.HasPrefix(k, "sb-hc-") {
			delete(vals, k)
		}
	}
	return vals.Encode()
}
