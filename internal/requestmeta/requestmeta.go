// internal/requestmeta/requestmeta.go
//
// Per-request metadata: user-agent fingerprint, client IP with its
// binding prefix, and best-effort geolocation.  These structs are
// inert.  They contain no handles or large buffers, so they are safe
// to log or JSON-encode, and the share and session stores copy fields
// straight out of them when binding tokens.
//
// Dependencies
// • github.com/avct/uasurfer        (UA parsing)
// • github.com/oschwald/geoip2-golang (MaxMind lookup, optional)

package requestmeta

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/avct/uasurfer"
	"github.com/oschwald/geoip2-golang"
)

// UA holds the parsed user-agent properties.
type UA struct {
	Raw      string // Entire User-Agent header
	Browser  string // "Chrome", "Firefox", "Safari", etc.
	Version  string // "124.0.6367"
	OS       string // "macOS", "Windows", "Android", "iOS", etc.
	Device   string // "Desktop", "Phone", "Tablet", "TV", ...
	Platform string // "Mac", "Windows", "Linux", ...
	IsBot    bool
}

// Geo holds IP-based geolocation hints.  Empty when the MaxMind
// database is not configured or has no match.
type Geo struct {
	IP         net.IP // Client address after proxy-header resolution
	CountryISO string // "US", "CA", "FR", ...
	City       string // "Chicago", "Paris", ...
}

// Meta is attached to the request context by Enrich.
type Meta struct {
	UA       UA
	Geo      Geo
	IPPrefix string // binding prefix, see Prefix
}

// geoReader is a read-only MaxMind handle shared by all requests.
var geoReader *geoip2.Reader

// InitGeo opens the GeoLite2 database.  Callers skip it entirely when
// no database is configured; lookups then return empty hints.
func InitGeo(dbPath string) error {
	r, err := geoip2.Open(dbPath)
	if err != nil {
		return err
	}
	geoReader = r
	return nil
}

type ctxKey struct{}

// FromContext returns the metadata stored by Enrich, or an empty Meta
// when the middleware has not run.
func FromContext(ctx context.Context) *Meta {
	if m, ok := ctx.Value(ctxKey{}).(*Meta); ok {
		return m
	}
	return &Meta{}
}

/*──────────────────────────── binding prefix ───────────────────────────────*/

// Prefix reduces an address to its share-binding form: the first three
// octets of an IPv4 address, or the first four hextets of an IPv6
// address.  Unparseable input yields "".
func Prefix(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return strconv.Itoa(int(v4[0])) + "." + strconv.Itoa(int(v4[1])) + "." + strconv.Itoa(int(v4[2]))
	}
	v6 := ip.To16()
	if v6 == nil {
		return ""
	}
	parts := make([]string, 4)
	for i := 0; i < 4; i++ {
		parts[i] = strconv.FormatUint(uint64(v6[2*i])<<8|uint64(v6[2*i+1]), 16)
	}
	return strings.Join(parts, ":")
}

// PrefixOfAddr is Prefix for textual addresses, tolerating a trailing
// ":port".
func PrefixOfAddr(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return Prefix(net.ParseIP(addr))
}

/*──────────────────────────── internal helpers ─────────────────────────────*/

// parseUA converts a raw header into our UA struct using uasurfer.
func parseUA(raw string) UA {
	u := uasurfer.Parse(raw)

	osName := strings.TrimPrefix(u.OS.Name.String(), "OS")
	if osName == "MacOSX" {
		osName = "macOS"
	}

	return UA{
		Raw:      raw,
		Browser:  strings.TrimPrefix(u.Browser.Name.String(), "Browser"),
		Version:  trimVersion(u.Browser.Version),
		OS:       osName,
		Device:   deviceTypeToString(u.DeviceType),
		Platform: strings.TrimPrefix(u.OS.Platform.String(), "Platform"),
		IsBot:    u.IsBot(),
	}
}

// trimVersion renders "major.minor.patch" without trailing zero parts,
// e.g. 17.0.0 → "17", 17.3.0 → "17.3".
func trimVersion(v uasurfer.Version) string {
	if v.Major == 0 && v.Minor == 0 && v.Patch == 0 {
		return "0"
	}
	out := strconv.Itoa(v.Major)
	if v.Minor != 0 || v.Patch != 0 {
		out += "." + strconv.Itoa(v.Minor)
	}
	if v.Patch != 0 {
		out += "." + strconv.Itoa(v.Patch)
	}
	return out
}

// deviceTypeToString maps uasurfer.DeviceType to a display string.
func deviceTypeToString(dt uasurfer.DeviceType) string {
	switch dt {
	case uasurfer.DeviceComputer:
		return "Desktop"
	case uasurfer.DevicePhone:
		return "Phone"
	case uasurfer.DeviceTablet:
		return "Tablet"
	case uasurfer.DeviceConsole:
		return "Console"
	case uasurfer.DeviceWearable:
		return "Wearable"
	case uasurfer.DeviceTV:
		return "TV"
	default:
		return "Unknown"
	}
}

// lookupGeo returns best-effort Geo data using the shared reader.
func lookupGeo(ip net.IP) Geo {
	if geoReader == nil || ip == nil {
		return Geo{IP: ip}
	}
	rec, err := geoReader.City(ip)
	if err != nil {
		return Geo{IP: ip}
	}
	return Geo{
		IP:         ip,
		CountryISO: rec.Country.IsoCode,
		City:       rec.City.Names["en"],
	}
}
