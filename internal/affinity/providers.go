package affinity

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
)

const defaultCookieName = "proxy_affinity"

func cookieName(opts domain.AffinityOptions) string {
	if opts.CookieName != "" {
		return opts.CookieName
	}
	return defaultCookieName
}

// extractCookie returns the affinity cookie value. More than one cookie
// with the affinity name is an extraction failure, never a best-effort
// pick of either value.
func extractCookie(r *http.Request, name string) (string, domain.AffinityStatus) {
	var value string
	found := 0
	for _, c := range r.Cookies() {
		if c.Name == name {
			found++
			value = c.Value
		}
	}
	switch {
	case found == 0:
		return "", domain.AffinityKeyNotSet
	case found > 1:
		return "", domain.AffinityKeyExtractionFailed
	case value == "":
		return "", domain.AffinityKeyExtractionFailed
	}
	return value, domain.AffinityOK
}

func resolveDestination(key string, candidates domain.CandidateSet) domain.AffinityResult {
	d, ok := candidates.Find(key)
	if !ok {
		return domain.AffinityResult{Status: domain.AffinityDestinationNotFound}
	}
	return domain.AffinityResult{Status: domain.AffinityOK, Destination: d}
}

// cookieProvider keys affinity on a plain cookie whose value is the
// destination id.
type cookieProvider struct{}

func (p *cookieProvider) Mode() string { return ModeCookie }

func (p *cookieProvider) FindAffinitizedDestinations(r *http.Request, candidates domain.CandidateSet, backendID string, opts domain.AffinityOptions) domain.AffinityResult {
	value, status := extractCookie(r, cookieName(opts))
	if status != domain.AffinityOK {
		return domain.AffinityResult{Status: status}
	}
	return resolveDestination(value, candidates)
}

func (p *cookieProvider) SetAffinity(w http.ResponseWriter, r *http.Request, backendID string, d *domain.Destination, opts domain.AffinityOptions) error {
	http.SetCookie(w, affinityCookie(cookieName(opts), d.ID, opts.CookieTTL))
	return nil
}

// signedCookieProvider wraps the destination id in an HMAC-signed token
// so clients cannot steer themselves onto arbitrary destinations. The
// token is scoped to the backend and expires with the cookie TTL.
type signedCookieProvider struct{}

func (p *signedCookieProvider) Mode() string { return ModeCookieSigned }

func (p *signedCookieProvider) FindAffinitizedDestinations(r *http.Request, candidates domain.CandidateSet, backendID string, opts domain.AffinityOptions) domain.AffinityResult {
	value, status := extractCookie(r, cookieName(opts))
	if status != domain.AffinityOK {
		return domain.AffinityResult{Status: status}
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return opts.SigningKey, nil
	})
	if err != nil || !token.Valid {
		return domain.AffinityResult{Status: domain.AffinityKeyExtractionFailed}
	}
	if !claims.VerifyAudience(backendID, true) || claims.Subject == "" {
		return domain.AffinityResult{Status: domain.AffinityKeyExtractionFailed}
	}
	return resolveDestination(claims.Subject, candidates)
}

func (p *signedCookieProvider) SetAffinity(w http.ResponseWriter, r *http.Request, backendID string, d *domain.Destination, opts domain.AffinityOptions) error {
	ttl := opts.CookieTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	claims := jwt.RegisteredClaims{
		Subject:   d.ID,
		Audience:  jwt.ClaimStrings{backendID},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.SigningKey)
	if err != nil {
		return err
	}
	http.SetCookie(w, affinityCookie(cookieName(opts), signed, opts.CookieTTL))
	return nil
}

func affinityCookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl.Seconds())
	}
	return c
}

// headerProvider keys affinity on a named request header whose value is
// the destination id. The destination is echoed back on the response so
// non-browser clients can persist it.
type headerProvider struct{}

func (p *headerProvider) Mode() string { return ModeHeader }

func (p *headerProvider) headerName(opts domain.AffinityOptions) string {
	if opts.HeaderName != "" {
		return opts.HeaderName
	}
	return "X-Proxy-Affinity"
}

func (p *headerProvider) FindAffinitizedDestinations(r *http.Request, candidates domain.CandidateSet, backendID string, opts domain.AffinityOptions) domain.AffinityResult {
	values := r.Header.Values(p.headerName(opts))
	switch {
	case len(values) == 0:
		return domain.AffinityResult{Status: domain.AffinityKeyNotSet}
	case len(values) > 1:
		// A duplicated affinity header is reported, never resolved by
		// silently taking the first or last value.
		return domain.AffinityResult{Status: domain.AffinityKeyExtractionFailed}
	case values[0] == "":
		return domain.AffinityResult{Status: domain.AffinityKeyExtractionFailed}
	}
	return resolveDestination(values[0], candidates)
}

func (p *headerProvider) SetAffinity(w http.ResponseWriter, r *http.Request, backendID string, d *domain.Destination, opts domain.AffinityOptions) error {
	w.Header().Set(p.headerName(opts), d.ID)
	return nil
}

// KeyFunc extracts an affinity key from a request for the custom_key
// mode. Returning an empty string means the key is not set.
type KeyFunc func(r *http.Request) (string, error)

// CustomKeyProvider maps an arbitrary request-derived key onto a
// candidate via rendezvous hashing, so a given key keeps mapping to the
// same destination for as long as that destination stays in the pool.
type CustomKeyProvider struct {
	keyFunc KeyFunc
}

// NewCustomKeyProvider creates a custom_key provider with the given
// extractor.
func NewCustomKeyProvider(f KeyFunc) *CustomKeyProvider {
	return &CustomKeyProvider{keyFunc: f}
}

func (p *CustomKeyProvider) Mode() string { return ModeCustomKey }

func (p *CustomKeyProvider) FindAffinitizedDestinations(r *http.Request, candidates domain.CandidateSet, backendID string, opts domain.AffinityOptions) domain.AffinityResult {
	key, err := p.keyFunc(r)
	if err != nil {
		return domain.AffinityResult{Status: domain.AffinityKeyExtractionFailed}
	}
	if key == "" {
		return domain.AffinityResult{Status: domain.AffinityKeyNotSet}
	}
	if candidates.Len() == 0 {
		return domain.AffinityResult{Status: domain.AffinityDestinationNotFound}
	}

	var best *domain.Destination
	var bestScore uint64
	for i := 0; i < candidates.Len(); i++ {
		d := candidates.At(i)
		if score := rendezvousScore(key, d.ID); best == nil || score > bestScore {
			best = d
			bestScore = score
		}
	}
	return domain.AffinityResult{Status: domain.AffinityOK, Destination: best}
}

// SetAffinity is a no-op: the key is derived from the request itself, so
// there is nothing to persist on the response.
func (p *CustomKeyProvider) SetAffinity(w http.ResponseWriter, r *http.Request, backendID string, d *domain.Destination, opts domain.AffinityOptions) error {
	return nil
}

func rendezvousScore(key, destinationID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(destinationID))
	return h.Sum64()
}

// clientIPKey is the default custom_key extractor.
func clientIPKey(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, nil
	}
	return host, nil
}
