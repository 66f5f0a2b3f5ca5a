package domain

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryMedicine    Category = "MEDICINE"
	CategoryConsumables Category = "CONSUMABLES"
	CategoryStationery  Category = "STATIONERY"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryMedicine, CategoryConsumables, CategoryStationery}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", validationf("unknown category %q", s)
}

func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}

// Item is catalog reference data. Items are deactivated, never deleted, so historical
// request lines keep resolving.
type Item struct {
	ID        string
	Name      string
	Category  Category
	Unit      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i Item) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return validationf("item id is required")
	}
	if len(i.ID) > 64 {
		return validationf("item id %q exceeds 64 characters", i.ID)
	}
	if strings.TrimSpace(i.Name) == "" {
		return validationf("item %s: name is required", i.ID)
	}
	if !i.Category.Valid() {
		return validationf("item %s: unknown category %q", i.ID, i.Category)
	}
	if strings.TrimSpace(i.Unit) == "" {
		return validationf("item %s: unit is required", i.ID)
	}
	return nil
}
