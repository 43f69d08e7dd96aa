package router

import (
	"sort"
	"strings"
	"unicode"

	kit "newsbot/internal/transport"
	"newsbot/pkg/tgui"
)

const (
	maxMenuCommand = 32
	maxMenuDesc    = 256
	maxMenuEntries = 100
)

// sanitizeTelegramCommand maps a route or alias onto Telegram's command
// alphabet [a-z0-9_]{1,32}. Separators become underscores and anything else
// is dropped.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	return clipCommand(out)
}

func clipCommand(s string) string {
	if len(s) > maxMenuCommand {
		s = strings.TrimRight(s[:maxMenuCommand], "_")
	}
	return s
}

// telegramCommandNameFromRoute joins a route with underscores:
// ["task", "delay"] becomes "task_delay".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists top-level commands first and multi-word
// shortcuts after them. The menu is the same for every user, so owner-only
// commands stay out of it.
func buildTelegramMenuCommands(root *cmdNode, leaves []Command) []kit.BotCommand {
	type entry struct {
		cmd, desc string
		prio      int
	}
	byCmd := map[string]entry{}
	add := func(cmd, desc string, prio int) {
		cmd = sanitizeTelegramCommand(cmd)
		if cmd == "" {
			return
		}
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = cmd
		}
		desc = tgui.Clip(desc, maxMenuDesc)
		if cur, ok := byCmd[cmd]; ok && (cur.prio < prio || (cur.prio == prio && len(cur.desc) <= len(desc))) {
			return
		}
		byCmd[cmd] = entry{cmd: cmd, desc: desc, prio: prio}
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if ownerOnly(n) {
			continue
		}
		add(name, describe(n), 0)
	}
	for _, c := range leaves {
		route := splitRoute(c.Route)
		if len(route) < 2 || c.Access == AccessOwnerOnly {
			continue
		}
		if menu, ok := telegramCommandNameFromRoute(route); ok {
			desc := c.Description
			if strings.TrimSpace(desc) == "" {
				desc = strings.Join(route, " ")
			}
			add(menu, desc, 1)
		}
	}

	entries := make([]entry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].cmd < entries[j].cmd
	})
	if len(entries) > maxMenuEntries {
		entries = entries[:maxMenuEntries]
	}
	out := make([]kit.BotCommand, len(entries))
	for i, e := range entries {
		out[i] = kit.BotCommand{Command: e.cmd, Description: e.desc}
	}
	return out
}
