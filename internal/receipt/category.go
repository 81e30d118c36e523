package receipt

import (
	"encoding/json"
	"strings"
)

// Category is one of the known spending categories, or an Other category
// carrying whatever name the analyzer returned.
type Category struct {
	name        string
	color       string
	description string
	other       bool
}

// Known categories
var (
	CategoryGroceries     = Category{name: "groceries", color: "#4CAF50", description: "Supermarkets and food shopping"}
	CategoryHealth        = Category{name: "health", color: "#2196F3", description: "Pharmacies, doctors and medical supplies"}
	CategoryEntertainment = Category{name: "entertainment", color: "#FFC107", description: "Movies, events, games and leisure"}
	CategoryRestaurant    = Category{name: "restaurant", color: "#F44336", description: "Restaurants, cafes and takeaway"}
)

const otherColor = "#9E9E9E"

// Categories lists the known categories in display order
func Categories() []Category {
	return []Category{CategoryGroceries, CategoryHealth, CategoryEntertainment, CategoryRestaurant}
}

// OtherCategory returns a category outside the known set
func OtherCategory(name string) Category {
	return Category{name: name, color: otherColor, other: true}
}

// ParseCategory matches name case-insensitively against the known categories,
// falling back to an Other category with the name as given.
func ParseCategory(name string) Category {
	name = strings.TrimSpace(name)
	for _, c := range Categories() {
		if strings.EqualFold(c.name, name) {
			return c
		}
	}
	return OtherCategory(name)
}

// Name returns the category name
func (c Category) Name() string { return c.name }

// Color returns the display color as a hex string
func (c Category) Color() string { return c.color }

// Description returns a short description, empty for Other categories
func (c Category) Description() string { return c.description }

// IsOther reports whether the category is outside the known set
func (c Category) IsOther() bool { return c.other }

func (c Category) String() string { return c.name }

type categoryJSON struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description,omitempty"`
	Other       bool   `json:"other,omitempty"`
}

// MarshalJSON renders the category with its display attributes
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(categoryJSON{
		Name:        c.name,
		Color:       c.color,
		Description: c.description,
		Other:       c.other,
	})
}

// UnmarshalJSON accepts either a bare name or the object form
func (c *Category) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*c = ParseCategory(name)
		return nil
	}
	var obj categoryJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = ParseCategory(obj.Name)
	return nil
}
