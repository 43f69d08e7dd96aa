package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logx "newsbot/pkg/logx"
)

// Sunday evening.
var now = time.Date(2030, 1, 6, 19, 0, 0, 0, time.UTC)

func TestParseClock(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		h, m int
		ok   bool
	}{
		{"6:30 pm", 18, 30, true},
		{"11:00AM", 11, 0, true},
		{"12:15 am", 0, 15, true},
		{"12:00 pm", 12, 0, true},
		{" 9:05 Pm ", 21, 5, true},
		{"18:00", 0, 0, false},
		{"13:00 pm", 0, 0, false},
		{"6 pm", 0, 0, false},
		{"6:75 am", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		h, m, ok := ParseClock(tc.in)
		if ok != tc.ok || h != tc.h || m != tc.m {
			t.Errorf("ParseClock(%q) = %d:%d %v, want %d:%d %v", tc.in, h, m, ok, tc.h, tc.m, tc.ok)
		}
	}
}

func TestEventTime(t *testing.T) {
	t.Parallel()
	got, ok, err := EventTime("1/7/2030", "6:30 pm", time.UTC)
	if err != nil || !ok || !got.Equal(time.Date(2030, 1, 7, 18, 30, 0, 0, time.UTC)) {
		t.Fatalf("EventTime = %v %v %v", got, ok, err)
	}
	got, ok, err = EventTime("1/7/2030", "", time.UTC)
	if err != nil || ok || !got.Equal(time.Date(2030, 1, 7, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("EventTime without clock = %v %v %v", got, ok, err)
	}
	if _, _, err := EventTime("2030-01-07", "6:30 pm", time.UTC); err == nil {
		t.Fatalf("expected date error")
	}
}

const orgCSV = `"Abbr. Name [Same as sheet title]","Full Name","Website","Logo [URL]","Color [HEX]","Chat ID"
"acm","Association for Computing Machinery","https://acm.example","","#0055aa","-100123"
"","blank row","","","",""
"ieee","IEEE Student Branch","","","",""
`

const acmCSV = `"Date","Event Name","Event Description","Start Time","End Time","Location","Team/Division","Event Speaker(s)","Event Speaker(s) Contact Information","Link to Poster(s)"
"1/7/2030","Hack night","Bring a laptop","6:00 pm","9:00 pm","Room 101","Dev","Ada","ada@example.com","https://poster.example/1"
"1/5/2030","Already happened","","6:00 pm","","","","","",""
"1/20/2030","Too far out","","6:00 pm","","","","","",""
"1/8/2030","","","11:30 am","","Quad","","","",""
"garbage","Bad row","","6:00 pm","","","","","",""
`

type sheetServer struct {
	mu   sync.Mutex
	hits map[string]int
}

func (s *sheetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sheet-123/gviz/tq") || r.URL.Query().Get("tqx") != "out:csv" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	tab := r.URL.Query().Get("sheet")
	s.mu.Lock()
	s.hits[tab]++
	s.mu.Unlock()
	switch tab {
	case "Organization Key":
		_, _ = w.Write([]byte(orgCSV))
	case "acm":
		_, _ = w.Write([]byte(acmCSV))
	case "broken":
		http.Error(w, "boom", http.StatusInternalServerError)
	default:
		http.NotFound(w, r)
	}
}

func (s *sheetServer) count(tab string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[tab]
}

func newTestSheet(t *testing.T) (*Sheet, *sheetServer, *time.Time) {
	t.Helper()
	h := &sheetServer{hits: map[string]int{}}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	clock := now
	s, err := NewSheet(SheetConfig{
		SheetID:    "sheet-123",
		BaseURL:    srv.URL,
		RatePerSec: 100,
		Location:   time.UTC,
		Client:     srv.Client(),
		Now:        func() time.Time { return clock },
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewSheet: %v", err)
	}
	return s, h, &clock
}

func TestSheetOrganizationsAreCached(t *testing.T) {
	t.Parallel()
	s, h, clock := newTestSheet(t)
	ctx := context.Background()

	orgs, err := s.ListOrganizations(ctx)
	if err != nil {
		t.Fatalf("ListOrganizations: %v", err)
	}
	if len(orgs) != 2 || orgs[0].Abbr != "acm" || orgs[0].ChatID != -100123 || orgs[0].Color != "#0055aa" || orgs[1].Name != "IEEE Student Branch" {
		t.Fatalf("orgs=%+v", orgs)
	}
	_, _ = s.ListOrganizations(ctx)
	if h.count("Organization Key") != 1 {
		t.Fatalf("org tab fetched %d times within ttl", h.count("Organization Key"))
	}
	*clock = clock.Add(DefaultOrgCacheTTL)
	_, _ = s.ListOrganizations(ctx)
	if h.count("Organization Key") != 2 {
		t.Fatalf("org tab fetched %d times after ttl", h.count("Organization Key"))
	}
}

func TestSheetEventsWindow(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSheet(t)
	ctx := context.Background()

	evs, err := s.ListEvents(ctx, "acm", 7)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events=%+v", evs)
	}
	hack := evs[0]
	if hack.Name != "Hack night" || hack.Location != "Room 101" || hack.Team != "Dev" || hack.SpeakerContact != "ada@example.com" {
		t.Fatalf("hack=%+v", hack)
	}
	if !hack.Start.Equal(time.Date(2030, 1, 7, 18, 0, 0, 0, time.UTC)) || !hack.End.Equal(time.Date(2030, 1, 7, 21, 0, 0, 0, time.UTC)) {
		t.Fatalf("hack times %v..%v", hack.Start, hack.End)
	}
	if evs[1].Name != "unnamed event" || !evs[1].End.IsZero() {
		t.Fatalf("unnamed=%+v", evs[1])
	}

	if evs, err := s.ListEvents(ctx, "ieee", 7); err != nil || len(evs) != 0 {
		t.Fatalf("org without tab: %v %v", evs, err)
	}
	if _, err := s.ListEvents(ctx, "broken", 7); err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("broken tab err=%v", err)
	}
}

func TestNewSheetRequiresID(t *testing.T) {
	t.Parallel()
	if _, err := NewSheet(SheetConfig{}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

const catalogYAML = `
orgs:
  - abbr: acm
    name: ACM
    chat_id: -100123
    events:
      - name: Hack night
        location: Room 101
        start: 2030-01-07 18:00
        end: 2030-01-07 21:00
      - name: Last week
        start: 2029-12-30 18:00
  - abbr: ieee
    name: IEEE
    events:
      - name: Career fair
        start: "2030-01-09T10:00:00Z"
`

func TestFileProvider(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	f := &File{Path: path, Location: time.UTC, Now: func() time.Time { return now }}
	ctx := context.Background()

	orgs, err := f.ListOrganizations(ctx)
	if err != nil || len(orgs) != 2 || orgs[0].ChatID != -100123 {
		t.Fatalf("orgs=%+v err=%v", orgs, err)
	}
	acm, err := f.ListEvents(ctx, "ACM", 7)
	if err != nil || len(acm) != 1 || acm[0].Name != "Hack night" || !acm[0].End.Equal(time.Date(2030, 1, 7, 21, 0, 0, 0, time.UTC)) {
		t.Fatalf("acm=%+v err=%v", acm, err)
	}
	ieee, err := f.ListEvents(ctx, "ieee", 7)
	if err != nil || len(ieee) != 1 || !ieee[0].Start.Equal(time.Date(2030, 1, 9, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("ieee=%+v err=%v", ieee, err)
	}

	jsonPath := filepath.Join(dir, "catalog.json")
	doc := `{"orgs":[{"abbr":"acm","events":[{"name":"x","start":"tomorrow"}]}]}`
	if err := os.WriteFile(jsonPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := &File{Path: jsonPath, Location: time.UTC, Now: func() time.Time { return now }}
	if _, err := bad.ListEvents(ctx, "acm", 7); err == nil {
		t.Fatalf("expected time parse error")
	}
}
