package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help as Telegram HTML. Owner-only entries are listed only
// for owners.
func (r *Router) helpText(path []string, owner bool) string {
	r.mu.RLock()
	root, alias := r.root, r.alias
	r.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root, owner)
	}
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.TrimPrefix(strings.ToLower(p), "/")
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil && len(full) == 0 {
				cur, full = leaf, splitRoute(leaf.cmd.Route)
				break
			}
			return "<b>Unknown command</b>\nSend <code>/help</code> for the list."
		}
		cur = n
		full = append(full, n.name)
	}
	if ownerOnly(cur) && !owner {
		return "<b>Unknown command</b>\nSend <code>/help</code> for the list."
	}
	return helpNode(cur, full, owner)
}

func helpTop(root *cmdNode, owner bool) string {
	type row struct {
		name, desc string
		lock       bool
	}
	var rows []row
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		lock := ownerOnly(n)
		if lock && !owner {
			continue
		}
		rows = append(rows, row{name: name, desc: describe(n), lock: lock})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{"<b>Commands</b>", "Send <code>/help &lt;command&gt;</code> for details.", ""}
	for _, r := range rows {
		lines = append(lines, bullet("/"+r.name, r.desc, r.lock))
	}
	return strings.Join(lines, "\n")
}

func helpNode(cur *cmdNode, full []string, owner bool) string {
	lines := []string{"<b>Help</b> <code>" + html.EscapeString("/"+strings.Join(full, " ")) + "</code>"}
	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "<i>Owners only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := shortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	} else {
		lines = append(lines, "Command group.")
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			lock := ownerOnly(n)
			if lock && !owner {
				continue
			}
			path := append(append([]string(nil), full...), name)
			lines = append(lines, bullet("/"+strings.Join(path, " "), describe(n), lock))
		}
	}
	return strings.Join(lines, "\n")
}

func bullet(cmd, desc string, lock bool) string {
	s := "• "
	if lock {
		s += "🔒 "
	}
	s += "<code>" + html.EscapeString(cmd) + "</code>"
	if desc != "" {
		s += ": " + html.EscapeString(desc)
	}
	return s
}

// describe is a node's description, or a hint listing its first
// subcommands.
func describe(n *cmdNode) string {
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	if len(kids) > 3 {
		return strings.Join(kids[:3], ", ") + ", …"
	}
	return strings.Join(kids, ", ")
}

// ownerOnly is true for owner-only leaves and for groups whose every
// command is owner-only.
func ownerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil && n.cmd.Access == AccessEveryone {
		return false
	}
	if n.cmd == nil && len(n.children) == 0 {
		return false
	}
	for _, c := range n.children {
		if !ownerOnly(c) {
			return false
		}
	}
	return true
}

func shortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if route := splitRoute(c.Route); len(route) > 1 {
		if menu, ok := telegramCommandNameFromRoute(route); ok {
			add(menu)
		}
	}
	for _, a := range c.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || strings.ContainsAny(a, " \t") {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}
