package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "newsbot/pkg/logx"
)

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/newsbot.db
scheduler:
  timezone: America/New_York
notifier:
  rate_per_sec: 5
  flush_cron: "*/30 * * * * *"
  dedup_window: 10m
catalog:
  source: sheet
  sheet_id: 1AbC
  sync_cron: "0 0 19 * * 0"
reminders:
  lead: 45m
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", validYAML)

	cfg, err := NewManager(p, logx.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Notifier == nil || cfg.Notifier.RatePerSec != 5 {
		t.Fatalf("storage=%+v notifier=%+v", cfg.Storage, cfg.Notifier)
	}
	if cfg.Catalog.SheetID != "1AbC" || cfg.Reminders.Lead != "45m" {
		t.Fatalf("catalog=%+v reminders=%+v", cfg.Catalog, cfg.Reminders)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "America/New_York" {
		t.Fatalf("loc=%v err=%v", loc, err)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"telegram":{"token":"x"},"plugins":{}}`,
		"trailing.json": `{"telegram":{"token":"x"}} {"again":true}`,
		"unknown.yaml":  "telegram:\n  token: x\n  group_log: y\n",
	}
	for name, body := range cases {
		if _, _, err := NewManager(writeFile(t, dir, name, body), logx.Nop()).Parse(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"},
		Storage:   &StorageConfig{Driver: "sqlite"},
		Notifier:  &NotifierConfig{FlushCron: "every minute"},
		Catalog:   CatalogConfig{Source: "sheet", OrgCacheTTL: "-1m"},
		Reminders: ReminderConfig{Lead: "soon"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{
		"telegram.token",
		"storage.path",
		"scheduler.timezone",
		"notifier.flush_cron",
		"catalog.sheet_id",
		"catalog.org_cache_ttl",
		"reminders.lead",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", 0, 0, false},
		{"", time.Minute, time.Minute, false},
		{"0s", time.Minute, time.Minute, false},
		{" 90s ", 0, 90 * time.Second, false},
		{"-1s", 0, 0, true},
		{"ten", 0, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, tc.def)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("%q: got %v, %v", tc.raw, got, err)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "x", OwnerUserIDs: []int64{1}}, Catalog: CatalogConfig{Source: "file"}}
	b := &Config{Telegram: TelegramConfig{Token: "x", OwnerUserIDs: []int64{1, 2}}, Catalog: CatalogConfig{Source: "file"}, Notifier: &NotifierConfig{RatePerSec: 1}}
	got, _ := SummarizeChange(a, b)
	if strings.Join(got, ",") != "telegram,notifier" {
		t.Fatalf("sections=%v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", validYAML)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates, unsub := m.Subscribe(4)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	expectNone := func(what string) {
		t.Helper()
		select {
		case cfg := <-updates:
			t.Fatalf("%s published %+v", what, cfg.Telegram)
		case <-time.After(time.Second):
		}
	}

	// Formatting-only edits and invalid configs are not published.
	writeFile(t, dir, "config.yaml", validYAML+"\n# comment\n")
	expectNone("formatting edit")
	writeFile(t, dir, "config.yaml", strings.Replace(validYAML, "source: sheet", "source: ftp", 1))
	expectNone("invalid config")

	writeFile(t, dir, "config.yaml", strings.Replace(validYAML, "[1, 2]", "[1, 2, 3]", 1))
	select {
	case cfg := <-updates:
		if len(cfg.Telegram.OwnerUserIDs) != 3 || len(m.Get().Telegram.OwnerUserIDs) != 3 {
			t.Fatalf("published=%+v", cfg.Telegram)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
}
