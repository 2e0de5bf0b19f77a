package render

import (
	"strconv"
	"strings"
)

const (
	itemsShown = 5
	itemsEmpty = "(empty)"
)

// ItemStack is one inventory slot.
type ItemStack struct {
	Item   string `json:"item"`
	Amount int    `json:"amount"`
}

// SummarizeItems totals stacks per item in first-seen order and lists the
// first five as "N x item", with an ellipsis when more exist.
func SummarizeItems(stacks []ItemStack) string {
	type count struct {
		name string
		n    int
	}
	var order []*count
	byName := map[string]*count{}
	for _, s := range stacks {
		name := normalizeItem(s.Item)
		if name == "" || s.Amount <= 0 {
			continue
		}
		c, ok := byName[name]
		if !ok {
			c = &count{name: name}
			byName[name] = c
			order = append(order, c)
		}
		c.n += s.Amount
	}
	if len(order) == 0 {
		return itemsEmpty
	}

	var b strings.Builder
	for i, c := range order {
		if i == itemsShown {
			b.WriteString("…")
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(c.n))
		b.WriteString(" x ")
		b.WriteString(c.name)
	}
	return b.String()
}

// normalizeItem turns "minecraft:oak_log" or "OAK_LOG" into "oak log".
func normalizeItem(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		id = id[i+1:]
	}
	if strings.EqualFold(id, "air") {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(id, "_", " "))
}
