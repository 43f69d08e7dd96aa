// Package tgui holds small helpers for Telegram HTML messages: escaping
// wrappers and splitting text that exceeds the message size limit.
package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML that is safe to send with ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func U(s string) H    { return wrap("u", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// UB is an underlined bold heading.
func UB(s string) H { return wrap("u", B(s)) }

func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// JoinH joins safe HTML parts with sep, skipping blank ones.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}
