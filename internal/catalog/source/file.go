package source

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"newsbot/internal/catalog"
)

// File serves the catalog from a local YAML or JSON document. It is re-read
// on every call so edits show up at the next sync.
//
//	orgs:
//	  - abbr: acm
//	    name: Association for Computing Machinery
//	    chat_id: -100123
//	    events:
//	      - name: Hack night
//	        start: 2030-01-07 18:00
//	        end: 2030-01-07 21:00
type File struct {
	Path     string
	Location *time.Location
	Now      func() time.Time
}

type fileDoc struct {
	Orgs []fileOrg `yaml:"orgs"`
}

type fileOrg struct {
	Abbr        string      `yaml:"abbr"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Website     string      `yaml:"website"`
	Logo        string      `yaml:"logo"`
	Color       string      `yaml:"color"`
	ChatID      int64       `yaml:"chat_id"`
	Events      []fileEvent `yaml:"events"`
}

type fileEvent struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	Location       string `yaml:"location"`
	Team           string `yaml:"team"`
	Speaker        string `yaml:"speaker"`
	SpeakerContact string `yaml:"speaker_contact"`
	Poster         string `yaml:"poster"`
	Start          string `yaml:"start"`
	End            string `yaml:"end"`
}

var fileTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04"}

func (f *File) load() (fileDoc, error) {
	var doc fileDoc
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return doc, err
	}
	// JSON is a subset of YAML, so one decoder covers both.
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return doc, nil
}

func (f *File) loc() *time.Location {
	if f.Location != nil {
		return f.Location
	}
	return time.Local
}

func (f *File) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *File) ListOrganizations(ctx context.Context) ([]catalog.Organization, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Organization, 0, len(doc.Orgs))
	for _, o := range doc.Orgs {
		if o.Abbr == "" {
			continue
		}
		out = append(out, catalog.Organization{
			Abbr:        o.Abbr,
			Name:        o.Name,
			Description: o.Description,
			Website:     o.Website,
			Logo:        o.Logo,
			Color:       o.Color,
			ChatID:      o.ChatID,
		})
	}
	return out, nil
}

func (f *File) ListEvents(ctx context.Context, abbr string, daysAhead int) ([]catalog.Event, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	now := f.now()
	var out []catalog.Event
	for _, o := range doc.Orgs {
		if !strings.EqualFold(o.Abbr, abbr) {
			continue
		}
		for _, e := range o.Events {
			start, err := f.parseTime(e.Start)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: start: %w", abbr, e.Name, err)
			}
			if !inWindow(start, now, daysAhead) {
				continue
			}
			ev := catalog.Event{
				Name:           e.Name,
				Description:    e.Description,
				Location:       e.Location,
				Team:           e.Team,
				Speaker:        e.Speaker,
				SpeakerContact: e.SpeakerContact,
				PosterURL:      e.Poster,
				Start:          start,
			}
			if e.End != "" {
				if ev.End, err = f.parseTime(e.End); err != nil {
					return nil, fmt.Errorf("%s/%s: end: %w", abbr, e.Name, err)
				}
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *File) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range fileTimeLayouts {
		if t, err := time.ParseInLocation(l, s, f.loc()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
