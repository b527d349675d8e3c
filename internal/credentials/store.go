// Package credentials owns the marketplace auth material: platform A rides
// on a browser cookie jar, platform B on a device-identity header set. The
// bags live in credentials.json under the data dir, are updated through the
// admin API, and are handed to the marketplace clients as plain header and
// cookie maps. Validation verdicts are cached with a TTL so the status
// surface stays cheap.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/data/cache"
	"github.com/valros/skinarb/internal/domain"
	skio "github.com/valros/skinarb/internal/io"
	"github.com/valros/skinarb/internal/metrics"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

// deviceFields are the platform B identity values that project into request
// headers. Anything else in an update patch is ignored.
var deviceFields = []string{"device_id", "device_uk", "uk", "b3", "authorization"}

// bagA is platform A's auth material.
type bagA struct {
	Cookies     map[string]string `json:"cookies"`
	Headers     map[string]string `json:"headers"`
	LastUpdated time.Time         `json:"last_updated"`
	Configured  bool              `json:"configured"`
}

// bagB is platform B's auth material.
type bagB struct {
	Device      map[string]string `json:"device"`
	Headers     map[string]string `json:"headers"`
	LastUpdated time.Time         `json:"last_updated"`
	Configured  bool              `json:"configured"`
}

type filePayload struct {
	PlatformA bagA `json:"platform_a"`
	PlatformB bagB `json:"platform_b"`
}

// Patch is a partial credentials update for one platform. Nil maps leave the
// corresponding bag untouched. Device keys outside the known field set are
// dropped.
type Patch struct {
	Cookies map[string]string `json:"cookies,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Device  map[string]string `json:"device,omitempty"`
}

// PlatformStatus is the redacted view of one platform's bag: which secrets
// are present, never their values.
type PlatformStatus struct {
	Configured  bool            `json:"configured"`
	LastUpdated time.Time       `json:"last_updated"`
	Fields      map[string]bool `json:"fields"`
}

// Store is safe for concurrent use.
type Store struct {
	path    string
	ttl     time.Duration
	metrics *metrics.Registry

	mu     sync.RWMutex
	a      bagA
	b      bagB
	probes map[domain.Platform]ProbeFunc

	validations *cache.TTLCache
}

// New loads credentials from path. On first run a template file with the
// expected keys is written so operators have something to fill in; a corrupt
// file is surfaced rather than silently reset.
func New(path string, ttl time.Duration, m *metrics.Registry) (*Store, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &Store{
		path:        path,
		ttl:         ttl,
		metrics:     m,
		a:           defaultBagA(),
		b:           defaultBagB(),
		probes:      make(map[domain.Platform]ProbeFunc),
		validations: cache.NewTTLCache(8),
	}

	var payload filePayload
	err := skio.ReadJSON(path, &payload)
	switch {
	case err == nil:
		s.adopt(payload)
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("No credentials file, writing template")
		if err := s.save(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	return s, nil
}

// Close releases the validation cache's background sweeper.
func (s *Store) Close() {
	s.validations.Stop()
}

// adopt merges a loaded payload over the defaults, so template files written
// by older builds keep working when new default keys appear.
func (s *Store) adopt(payload filePayload) {
	mergeInto(s.a.Cookies, payload.PlatformA.Cookies)
	mergeInto(s.a.Headers, payload.PlatformA.Headers)
	s.a.LastUpdated = payload.PlatformA.LastUpdated
	s.a.Configured = payload.PlatformA.Configured

	mergeInto(s.b.Device, payload.PlatformB.Device)
	mergeInto(s.b.Headers, payload.PlatformB.Headers)
	s.b.LastUpdated = payload.PlatformB.LastUpdated
	s.b.Configured = payload.PlatformB.Configured
}

func (s *Store) save() error {
	s.mu.RLock()
	payload := filePayload{
		PlatformA: bagA{
			Cookies:     copyMap(s.a.Cookies),
			Headers:     copyMap(s.a.Headers),
			LastUpdated: s.a.LastUpdated,
			Configured:  s.a.Configured,
		},
		PlatformB: bagB{
			Device:      copyMap(s.b.Device),
			Headers:     copyMap(s.b.Headers),
			LastUpdated: s.b.LastUpdated,
			Configured:  s.b.Configured,
		},
	}
	s.mu.RUnlock()

	if err := skio.WriteJSONAtomic(s.path, payload); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Update merge-patches one platform's bag, stamps it configured and persists
// the file. The platform's cached validation verdict is dropped so the next
// check probes with the fresh material.
func (s *Store) Update(platform domain.Platform, patch Patch) error {
	now := time.Now().UTC()

	s.mu.Lock()
	switch platform {
	case domain.PlatformA:
		mergeInto(s.a.Cookies, patch.Cookies)
		mergeInto(s.a.Headers, patch.Headers)
		s.a.LastUpdated = now
		s.a.Configured = true
	case domain.PlatformB:
		for _, field := range deviceFields {
			if v, ok := patch.Device[field]; ok {
				s.b.Device[field] = v
			}
		}
		mergeInto(s.b.Headers, patch.Headers)
		s.b.LastUpdated = now
		s.b.Configured = true
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown platform %q", platform)
	}
	s.mu.Unlock()

	s.validations.Delete(validationKey(platform))

	log.Info().Str("platform", string(platform)).Msg("Credentials updated")
	return s.save()
}

// RequestHeaders implements provider.CredentialSource. For platform B the
// device identity fields are projected into the header set the API expects,
// including the traceparent derived from b3.
func (s *Store) RequestHeaders(platform domain.Platform) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if platform == domain.PlatformA {
		return copyMap(s.a.Headers)
	}

	headers := copyMap(s.b.Headers)
	projections := map[string]string{
		"device_id":     "deviceid",
		"device_uk":     "deviceuk",
		"uk":            "uk",
		"b3":            "b3",
		"authorization": "authorization",
	}
	for field, header := range projections {
		if v := s.b.Device[field]; v != "" {
			headers[header] = v
		}
	}
	if tp := traceparentFromB3(s.b.Device["b3"]); tp != "" {
		headers["traceparent"] = tp
	}
	return headers
}

// RequestCookies implements provider.CredentialSource. Platform B
// authenticates through headers only.
func (s *Store) RequestCookies(platform domain.Platform) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if platform == domain.PlatformA {
		return copyMap(s.a.Cookies)
	}
	return map[string]string{}
}

// Status reports which secrets are present per platform, without values.
func (s *Store) Status() map[domain.Platform]PlatformStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[domain.Platform]PlatformStatus{
		domain.PlatformA: {
			Configured:  s.a.Configured,
			LastUpdated: s.a.LastUpdated,
			Fields: map[string]bool{
				"session":    s.a.Cookies["session"] != "",
				"csrf_token": s.a.Cookies["csrf_token"] != "",
			},
		},
		domain.PlatformB: {
			Configured:  s.b.Configured,
			LastUpdated: s.b.LastUpdated,
			Fields: map[string]bool{
				"device_id":     s.b.Device["device_id"] != "",
				"uk":            s.b.Device["uk"] != "",
				"authorization": s.b.Device["authorization"] != "",
			},
		},
	}
}

// traceparentFromB3 derives a W3C traceparent header from the b3 token's
// trace and span segments. Platform B's gateway requires the two to agree.
func traceparentFromB3(b3 string) string {
	parts := strings.Split(b3, "-")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-01", parts[0], parts[1])
}

func mergeInto(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func defaultBagA() bagA {
	return bagA{
		Cookies: map[string]string{
			"session":          "",
			"csrf_token":       "",
			"Device-Id":        "",
			"remember_me":      "",
			"Locale-Supported": "zh-Hans",
			"game":             "csgo",
		},
		Headers: map[string]string{
			"Accept":           "application/json, text/javascript, */*; q=0.01",
			"Accept-Language":  "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7",
			"Referer":          "https://buff.163.com/market/csgo",
			"User-Agent":       defaultUserAgent,
			"X-Requested-With": "XMLHttpRequest",
		},
	}
}

func defaultBagB() bagB {
	return bagB{
		Device: map[string]string{
			"device_id":     "",
			"device_uk":     "",
			"uk":            "",
			"b3":            "",
			"authorization": "",
		},
		Headers: map[string]string{
			"accept":          "application/json, text/plain, */*",
			"accept-language": "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7",
			"app-version":     "5.26.0",
			"apptype":         "1",
			"content-type":    "application/json",
			"origin":          "https://www.youpin898.com",
			"platform":        "pc",
			"referer":         "https://www.youpin898.com/",
			"secret-v":        "h5_v1",
			"user-agent":      defaultUserAgent,
		},
	}
}
