package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsbot/internal/catalog"
	logx "newsbot/pkg/logx"
)

const (
	DefaultSheetBaseURL = "https://docs.google.com/spreadsheets/d"
	DefaultOrgSheet     = "Organization Key"
	DefaultOrgCacheTTL  = 5 * time.Minute
)

type SheetConfig struct {
	SheetID string
	// BaseURL is the spreadsheet host; requests go to
	// <BaseURL>/<SheetID>/gviz/tq?tqx=out:csv&sheet=<name>.
	BaseURL     string
	OrgSheet    string
	OrgCacheTTL time.Duration
	RatePerSec  float64
	Timeout     time.Duration
	Location    *time.Location

	Client *http.Client
	Now    func() time.Time
}

// Sheet reads organizations and events from a published spreadsheet. The
// org list lives on one tab; every org keeps its events on a tab named after
// its abbreviation.
type Sheet struct {
	cfg     SheetConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu     sync.Mutex
	orgs   []catalog.Organization
	orgsAt time.Time
}

func NewSheet(cfg SheetConfig, log logx.Logger) (*Sheet, error) {
	if strings.TrimSpace(cfg.SheetID) == "" {
		return nil, errors.New("sheet: sheet id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSheetBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.OrgSheet == "" {
		cfg.OrgSheet = DefaultOrgSheet
	}
	if cfg.OrgCacheTTL <= 0 {
		cfg.OrgCacheTTL = DefaultOrgCacheTTL
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Sheet{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		log:     log.With(logx.String("comp", "sheet")),
	}, nil
}

// ListOrganizations returns the org tab, cached for OrgCacheTTL.
func (s *Sheet) ListOrganizations(ctx context.Context) ([]catalog.Organization, error) {
	s.mu.Lock()
	if s.orgs != nil && s.cfg.Now().Sub(s.orgsAt) < s.cfg.OrgCacheTTL {
		out := append([]catalog.Organization(nil), s.orgs...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	rows, err := s.fetch(ctx, s.cfg.OrgSheet)
	if err != nil {
		return nil, err
	}
	orgs := make([]catalog.Organization, 0, len(rows))
	for i, r := range rows {
		o := catalog.Organization{
			Abbr:        r.get("abbr. name [same as sheet title]", "abbr", "abbreviation"),
			Name:        r.get("full name", "name"),
			Description: r.get("description"),
			Website:     r.get("website"),
			Logo:        r.get("logo [url]", "logo"),
			Color:       r.get("color [hex]", "color"),
		}
		if o.Abbr == "" {
			s.log.Debug("skip org row without abbreviation", logx.Int("row", i+2))
			continue
		}
		if v := r.get("chat id", "chat_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.log.Warn("bad chat id", logx.String("org", o.Abbr), logx.String("value", v))
			}
			o.ChatID = id
		}
		orgs = append(orgs, o)
	}

	s.mu.Lock()
	s.orgs, s.orgsAt = orgs, s.cfg.Now()
	s.mu.Unlock()
	return append([]catalog.Organization(nil), orgs...), nil
}

// ListEvents returns the org's events starting within daysAhead days. An org
// without a tab has no events.
func (s *Sheet) ListEvents(ctx context.Context, abbr string, daysAhead int) ([]catalog.Event, error) {
	rows, err := s.fetch(ctx, abbr)
	if errors.Is(err, errNoSheet) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := s.cfg.Now()
	var out []catalog.Event
	for i, r := range rows {
		date := r.get("date")
		if date == "" {
			continue
		}
		start, _, err := EventTime(date, r.get("start time", "start"), s.cfg.Location)
		if err != nil {
			s.log.Warn("skip event row", logx.String("org", abbr), logx.Int("row", i+2), logx.Err(err))
			continue
		}
		if !inWindow(start, now, daysAhead) {
			continue
		}
		e := catalog.Event{
			Name:           r.get("event name", "name"),
			Description:    r.get("event description", "description"),
			Location:       r.get("location"),
			Team:           r.get("team/division", "team"),
			Speaker:        r.get("event speaker(s)", "speaker"),
			SpeakerContact: r.get("event speaker(s) contact information", "speaker contact"),
			PosterURL:      r.get("link to poster(s)", "poster"),
			Start:          start,
		}
		if e.Name == "" {
			e.Name = "unnamed event"
		}
		if end, ok, _ := EventTime(date, r.get("end time", "end"), s.cfg.Location); ok {
			e.End = end
		}
		out = append(out, e)
	}
	return out, nil
}

var errNoSheet = errors.New("sheet: tab not found")

type row map[string]string

// get returns the first non-empty column among names. Headers are matched
// case-insensitively.
func (r row) get(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r[n]); v != "" {
			return v
		}
	}
	return ""
}

func (s *Sheet) sheetURL(tab string) string {
	q := url.Values{}
	q.Set("tqx", "out:csv")
	q.Set("sheet", tab)
	return fmt.Sprintf("%s/%s/gviz/tq?%s", s.cfg.BaseURL, url.PathEscape(s.cfg.SheetID), q.Encode())
}

func (s *Sheet) fetch(ctx context.Context, tab string) ([]row, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sheetURL(tab), nil)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", tab, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNoSheet
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("fetch %q: status %d", tab, resp.StatusCode)
	}

	cr := csv.NewReader(resp.Body)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", tab, err)
	}
	s.log.Debug("sheet fetched", logx.String("tab", tab), logx.Int("rows", len(recs)), logx.Duration("took", time.Since(started)))
	if len(recs) == 0 {
		return nil, nil
	}

	header := make([]string, len(recs[0]))
	for i, h := range recs[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	rows := make([]row, 0, len(recs)-1)
	for _, rec := range recs[1:] {
		r := make(row, len(header))
		for i, v := range rec {
			if i < len(header) && header[i] != "" {
				r[header[i]] = v
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}
