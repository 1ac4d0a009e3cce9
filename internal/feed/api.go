package feed

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

const apiPageSize = 250

func (f *Fetcher) fetchAPI(ctx context.Context, src model.CalendarSource, w Window) (Payload, error) {
	if f.creds == nil {
		return Payload{}, &model.ConfigError{SourceID: src.ID, Reason: "no credential provider for calendar-api sources"}
	}
	token, err := f.creds.Token(ctx, src)
	if err != nil {
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) {
			return Payload{}, err
		}
		return Payload{}, &FetchError{Reason: ReasonAuth, SourceID: src.ID, Err: err}
	}

	if !w.Bounded() {
		now := f.now()
		w = Window{From: now.AddDate(0, 0, -7), To: now.AddDate(0, 0, 14)}
	}

	svc, err := f.calendarService(ctx, token)
	if err != nil {
		return Payload{}, &FetchError{Reason: ReasonNetwork, SourceID: src.ID, Err: err}
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return Payload{}, &FetchError{Reason: ReasonNetwork, SourceID: src.ID, Err: err}
	}

	appLog.Info("calendar api fetch start", "id", src.ID, "calendar", src.URL, "window", w.String())

	call := svc.Events.List(src.URL).
		TimeMin(w.From.UTC().Format(time.RFC3339)).
		TimeMax(w.To.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(apiPageSize)

	events := make([]APIEvent, 0)
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			events = append(events, apiEventFrom(item))
		}
		return nil
	})
	if err != nil {
		return Payload{}, classifyAPIError(src.ID, err)
	}

	appLog.Info("calendar api fetch success", "id", src.ID, "events", len(events))
	return Payload{
		Kind:      PayloadAPI,
		SourceID:  src.ID,
		FetchedAt: f.now().UTC(),
		Window:    w,
		Events:    events,
	}, nil
}

func (f *Fetcher) calendarService(ctx context.Context, token string) (*calendar.Service, error) {
	client := &http.Client{
		Timeout: f.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   http.DefaultTransport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if f.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(f.apiEndpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func classifyAPIError(sourceID string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ReasonHTTPStatus
		if gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden {
			reason = ReasonAuth
		}
		return &FetchError{Reason: reason, SourceID: sourceID, StatusCode: gerr.Code, Err: err}
	}
	return &FetchError{Reason: ReasonNetwork, SourceID: sourceID, Err: err}
}

func apiEventFrom(item *calendar.Event) APIEvent {
	ev := APIEvent{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
	}
	if item.Start != nil {
		ev.Start = APIDate{Date: item.Start.Date, DateTime: item.Start.DateTime, TimeZone: item.Start.TimeZone}
	}
	if item.End != nil {
		ev.End = APIDate{Date: item.End.Date, DateTime: item.End.DateTime, TimeZone: item.End.TimeZone}
	}
	return ev
}
