package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Portal pages whose visibility a village can toggle.
const (
	PageAbout       = "about"
	PageServices    = "services"
	PageSchemes     = "schemes"
	PageGallery     = "gallery"
	PageDevelopment = "development"
	PageContact     = "contact"
	PageMarketplace = "marketplace"
	PageExams       = "exams"
	PageForum       = "forum"
)

var knownPages = map[string]bool{
	PageAbout:       true,
	PageServices:    true,
	PageSchemes:     true,
	PageGallery:     true,
	PageDevelopment: true,
	PageContact:     true,
	PageMarketplace: true,
	PageExams:       true,
	PageForum:       true,
}

// Village is a Gram Panchayat tenant of the portal.
type Village struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	District  string          `json:"district"`
	State     string          `json:"state"`
	Settings  VillageSettings `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
}

// VillageSettings holds per-village portal configuration.
type VillageSettings struct {
	Pages        map[string]bool `json:"pages"`
	ContactEmail string          `json:"contact_email,omitempty"`
}

// PageEnabled reports whether a page is visible. Pages not mentioned are visible.
func (s VillageSettings) PageEnabled(page string) bool {
	enabled, ok := s.Pages[page]
	return !ok || enabled
}

// Validate rejects unknown page keys.
func (s VillageSettings) Validate() error {
	var unknown []string
	for p := range s.Pages {
		if !knownPages[p] {
			unknown = append(unknown, p)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown pages: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// ParseVillageSettings decodes and validates a settings document.
// An empty document yields default settings.
func ParseVillageSettings(data []byte) (VillageSettings, error) {
	var s VillageSettings
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return VillageSettings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return VillageSettings{}, err
	}
	return s, nil
}
