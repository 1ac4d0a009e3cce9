package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

const (
	// DirectRelay in a relay list means "fetch the target without a relay".
	DirectRelay = "direct"

	defaultTimeout       = 15 * time.Second
	defaultRatePerMinute = 30
	maxFeedBytes         = 10 << 20
	acceptHeader         = "text/calendar, application/calendar+json, */*"
	userAgent            = "weekcal/0.1 (+calendar sync)"
)

// Credentials supplies bearer tokens for calendar-api sources. The OAuth
// flow and token refresh live outside this package.
type Credentials interface {
	Token(ctx context.Context, src model.CalendarSource) (string, error)
}

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds each network call. Zero means 15s.
	Timeout time.Duration
	// Relays are pass-through proxy URL templates tried in order. "{url}"
	// is replaced by the query-escaped target; a template without the
	// placeholder gets the escaped target appended. DirectRelay skips the
	// relay. Empty means a direct fetch only.
	Relays []string
	// RatePerMinute caps outbound requests. Zero means 30.
	RatePerMinute int
	// APIEndpoint overrides the calendar API base URL.
	APIEndpoint string
	// Credentials resolves tokens for calendar-api sources.
	Credentials Credentials
}

// Fetcher retrieves raw calendar data for a source. It keeps no state
// between calls apart from the outbound rate limiter.
type Fetcher struct {
	client      *http.Client
	timeout     time.Duration
	relays      []string
	limiter     *rate.Limiter
	apiEndpoint string
	creds       Credentials
	now         func() time.Time
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = defaultRatePerMinute
	}
	relays := make([]string, 0, len(opts.Relays))
	for _, r := range opts.Relays {
		if r = strings.TrimSpace(r); r != "" {
			relays = append(relays, r)
		}
	}
	if len(relays) == 0 {
		relays = []string{DirectRelay}
	}
	perRequest := time.Minute / time.Duration(opts.RatePerMinute)
	return &Fetcher{
		client:      &http.Client{Timeout: opts.Timeout},
		timeout:     opts.Timeout,
		relays:      relays,
		limiter:     rate.NewLimiter(rate.Every(perRequest), opts.RatePerMinute),
		apiEndpoint: opts.APIEndpoint,
		creds:       opts.Credentials,
		now:         time.Now,
	}
}

// Fetch retrieves the raw payload for src. For calendar-api sources w is the
// queried range; ical sources always return the whole feed.
//
// Configuration problems are returned as *model.ConfigError, everything else
// as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, src model.CalendarSource, w Window) (Payload, error) {
	if err := src.Validate(); err != nil {
		return Payload{}, err
	}
	switch src.Kind {
	case model.KindICal:
		return f.fetchICal(ctx, src)
	case model.KindCalendarAPI:
		return f.fetchAPI(ctx, src, w)
	default:
		return Payload{}, &model.ConfigError{SourceID: src.ID, Reason: "unsupported source kind"}
	}
}

func (f *Fetcher) fetchICal(ctx context.Context, src model.CalendarSource) (Payload, error) {
	target, err := NormalizeFeedURL(src.URL)
	if err != nil {
		return Payload{}, &model.ConfigError{SourceID: src.ID, Reason: err.Error()}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", RedactURL(target), "relays", len(f.relays))

	var (
		body    []byte
		attempt int
	)
	err = retry.Do(
		func() error {
			tpl := f.relays[attempt]
			attempt++
			b, err := f.get(ctx, src.ID, RelayURL(tpl, target), tpl != DirectRelay)
			if err != nil {
				appLog.Warn("ics fetch attempt failed", "id", src.ID, "attempt", attempt, "reason", ReasonOf(err), "err", err)
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(len(f.relays))),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return ReasonOf(err) != ReasonAuth }),
	)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{Reason: ReasonNetwork, SourceID: src.ID, Err: err}
		}
		return Payload{}, err
	}

	appLog.Info("ics fetch success", "id", src.ID, "url", RedactURL(target), "bytes", len(body))
	return Payload{
		Kind:      PayloadICal,
		SourceID:  src.ID,
		FetchedAt: f.now().UTC(),
		Text:      string(body),
	}, nil
}

// get performs one GET and classifies failures.
func (f *Fetcher) get(ctx context.Context, sourceID, reqURL string, viaRelay bool) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Reason: ReasonNetwork, SourceID: sourceID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FetchError{Reason: ReasonNetwork, SourceID: sourceID, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Reason: ReasonNetwork, SourceID: sourceID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &FetchError{
			Reason:     ReasonHTTPStatus,
			SourceID:   sourceID,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, &FetchError{Reason: ReasonNetwork, SourceID: sourceID, Err: err}
	}
	if len(body) > maxFeedBytes {
		return nil, &FetchError{
			Reason:     ReasonHTTPStatus,
			SourceID:   sourceID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("feed larger than %d bytes", maxFeedBytes),
		}
	}

	// Relays report upstream trouble as a 200 with an HTML error page.
	if mimetype.Detect(body).Is("text/html") {
		reason := ReasonHTTPStatus
		if viaRelay {
			reason = ReasonCORS
		}
		return nil, &FetchError{
			Reason:     reason,
			SourceID:   sourceID,
			StatusCode: resp.StatusCode,
			Err:        errors.New("response is an HTML page, not a calendar"),
		}
	}
	return body, nil
}

// NormalizeFeedURL rewrites webcal:// and webcals:// to https:// and
// rejects schemes that cannot be fetched.
func NormalizeFeedURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid feed URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "webcal", "webcals", "https":
		u.Scheme = "https"
	case "http":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("unsupported feed URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("feed URL has no host")
	}
	return u.String(), nil
}

// RelayURL builds the outbound URL for target through relay template tpl.
func RelayURL(tpl, target string) string {
	if tpl == "" || tpl == DirectRelay {
		return target
	}
	escaped := url.QueryEscape(target)
	if strings.Contains(tpl, "{url}") {
		return strings.ReplaceAll(tpl, "{url}", escaped)
	}
	return tpl + escaped
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
// Example:
//
//	https://p12-caldav.icloud.com/published/2/abcd?token=x
//	-> https://p12-caldav.icloud.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
