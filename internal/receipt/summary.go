package receipt

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Group titles that do not depend on the receipt date
const (
	GroupUnknownDate = "Unknown Date"
	GroupToday       = "Today"
	GroupYesterday   = "Yesterday"
	GroupThisWeek    = "This Week"
)

// receiptDateFormats are tried in order; the first that parses wins
var receiptDateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"2006/01/02",
}

// ReceiptGroup is a set of receipts from the same period
type ReceiptGroup struct {
	Title    string              `json:"title"`
	Total    int                 `json:"total"`
	Receipts []ImageWithAnalysis `json:"receipts"`
}

// CategorySpending is the total spent in one category
type CategorySpending struct {
	Category Category `json:"category"`
	Total    int      `json:"total"`
	Count    int      `json:"count"`
}

// Summary groups receipts by period and totals spending per category
type Summary struct {
	Total      int                `json:"total"`
	Groups     []ReceiptGroup     `json:"groups"`
	Categories []CategorySpending `json:"categories"`
}

// ParseReceiptDate parses a receipt date as printed. It reports false when
// the date is missing or in none of the known formats.
func ParseReceiptDate(date *string) (time.Time, bool) {
	if date == nil {
		return time.Time{}, false
	}
	value := strings.TrimSpace(*date)
	for _, layout := range receiptDateFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// groupKey places a receipt into a period relative to today
type groupKey struct {
	title    string
	priority int
	month    time.Time // first day of the month, for older periods
}

func periodOf(date *string, today time.Time) groupKey {
	d, ok := ParseReceiptDate(date)
	if !ok {
		return groupKey{title: GroupUnknownDate, priority: 0}
	}
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, today.Location())

	switch {
	case d.Equal(today):
		return groupKey{title: GroupToday, priority: 1}
	case d.Equal(today.AddDate(0, 0, -1)):
		return groupKey{title: GroupYesterday, priority: 2}
	case d.After(today.AddDate(0, 0, -7)):
		return groupKey{title: GroupThisWeek, priority: 3}
	case d.Year() == today.Year() && d.Month() == today.Month():
		return groupKey{title: today.Month().String(), priority: 4}
	}

	month := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, today.Location())
	title := d.Month().String()
	if d.Year() != today.Year() {
		title = fmt.Sprintf("%s %d", d.Month(), d.Year())
	}
	return groupKey{title: title, priority: 5, month: month}
}

// BuildSummary groups receipts by period relative to now. Groups are ordered
// Unknown Date, Today, Yesterday, This Week, the current month, then older
// months newest first. Receipts within a group are newest first.
func BuildSummary(receipts []ImageWithAnalysis, now time.Time) Summary {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	keys := make(map[string]groupKey)
	grouped := make(map[string][]ImageWithAnalysis)
	spending := make(map[Category]*CategorySpending)
	total := 0

	for _, r := range receipts {
		if r.Analysis == nil {
			continue
		}
		key := periodOf(r.Analysis.Date, today)
		keys[key.title] = key
		grouped[key.title] = append(grouped[key.title], r)

		s, ok := spending[r.Analysis.Category]
		if !ok {
			s = &CategorySpending{Category: r.Analysis.Category}
			spending[r.Analysis.Category] = s
		}
		s.Total += r.Analysis.FinalPrice
		s.Count++
		total += r.Analysis.FinalPrice
	}

	ordered := make([]groupKey, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority < ordered[j].priority
		}
		return ordered[i].month.After(ordered[j].month)
	})

	summary := Summary{
		Total:      total,
		Groups:     make([]ReceiptGroup, 0, len(ordered)),
		Categories: make([]CategorySpending, 0, len(spending)),
	}
	for _, k := range ordered {
		items := grouped[k.title]
		sort.SliceStable(items, func(i, j int) bool {
			di, _ := ParseReceiptDate(items[i].Analysis.Date)
			dj, _ := ParseReceiptDate(items[j].Analysis.Date)
			return di.After(dj)
		})
		group := ReceiptGroup{Title: k.title, Receipts: items}
		for _, r := range items {
			group.Total += r.Analysis.FinalPrice
		}
		summary.Groups = append(summary.Groups, group)
	}

	for _, s := range spending {
		summary.Categories = append(summary.Categories, *s)
	}
	sort.Slice(summary.Categories, func(i, j int) bool {
		if summary.Categories[i].Total != summary.Categories[j].Total {
			return summary.Categories[i].Total > summary.Categories[j].Total
		}
		return summary.Categories[i].Category.Name() < summary.Categories[j].Category.Name()
	})
	return summary
}
