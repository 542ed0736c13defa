package api

import (
	"testing"

	"github.com/banshee-data/sbuslink/internal/db"
)

// TestReceiverModelRegistryMatchesDB verifies the API registry and the database
// validation list agree in both directions.
func TestReceiverModelRegistryMatchesDB(t *testing.T) {
	for slug := range SupportedReceiverModels {
		if !db.ValidReceiverModels[slug] {
			t.Errorf("Model %q in API registry but not in DB validation list", slug)
		}
	}
	for slug := range db.ValidReceiverModels {
		if _, ok := SupportedReceiverModels[slug]; !ok {
			t.Errorf("Model %q in DB validation list but not in API registry", slug)
		}
	}
}

// TestReceiverModelInvariants verifies every registered model describes a
// plausible SBUS receiver.
func TestReceiverModelInvariants(t *testing.T) {
	for slug, model := range SupportedReceiverModels {
		if model.Slug != slug {
			t.Errorf("Model %q has mismatched slug %q", slug, model.Slug)
		}
		if model.DisplayName == "" {
			t.Errorf("Model %q has no display name", slug)
		}
		if model.ChannelCount != 16 {
			t.Errorf("Model %q reports %d channels, SBUS frames carry 16", slug, model.ChannelCount)
		}
		if model.DefaultBaudRate != 100000 {
			t.Errorf("Model %q reports baud %d, SBUS runs at 100000", slug, model.DefaultBaudRate)
		}
	}
}

// TestGetReceiverModel verifies lookup behavior.
func TestGetReceiverModel(t *testing.T) {
	model, ok := GetReceiverModel("x8r")
	if !ok {
		t.Fatal("Expected x8r to be a known model")
	}
	if model.DisplayName != "FrSky X8R" {
		t.Errorf("Expected display name 'FrSky X8R', got %q", model.DisplayName)
	}

	if _, ok := GetReceiverModel("unknown-model"); ok {
		t.Error("Expected unknown model lookup to fail")
	}

	if got := len(GetAllReceiverModels()); got != len(SupportedReceiverModels) {
		t.Errorf("Expected %d models from GetAllReceiverModels, got %d", len(SupportedReceiverModels), got)
	}
}
