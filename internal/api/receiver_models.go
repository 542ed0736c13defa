package api

// ReceiverModel describes a known SBUS receiver for labelling in the UI
type ReceiverModel struct {
	Slug            string `json:"slug"`
	DisplayName     string `json:"display_name"`
	ChannelCount    int    `json:"channel_count"`
	HasTelemetry    bool   `json:"has_telemetry"`
	DefaultBaudRate int    `json:"default_baud_rate"`
	Description     string `json:"description"`
}

// SupportedReceiverModels is the application-level registry of receiver models.
// All SBUS receivers share the same wire framing (100000 baud 8E2 inverted);
// the registry exists so the UI can label ports and surface telemetry hints,
// not to change the decode path. Slugs must stay in sync with the database
// validation list.
var SupportedReceiverModels = map[string]ReceiverModel{
	"generic": {
		Slug:            "generic",
		DisplayName:     "Generic SBUS Receiver",
		ChannelCount:    16,
		HasTelemetry:    false,
		DefaultBaudRate: 100000,
		Description:     "Any receiver with a standard SBUS output",
	},
	"x8r": {
		Slug:            "x8r",
		DisplayName:     "FrSky X8R",
		ChannelCount:    16,
		HasTelemetry:    true,
		DefaultBaudRate: 100000,
		Description:     "16-channel receiver with SmartPort telemetry and SBUS output",
	},
	"r-xsr": {
		Slug:            "r-xsr",
		DisplayName:     "FrSky R-XSR",
		ChannelCount:    16,
		HasTelemetry:    true,
		DefaultBaudRate: 100000,
		Description:     "Micro receiver with an uninverted SBUS pad alongside the standard output",
	},
	"archer-plus": {
		Slug:            "archer-plus",
		DisplayName:     "FrSky Archer Plus",
		ChannelCount:    16,
		HasTelemetry:    true,
		DefaultBaudRate: 100000,
		Description:     "ACCESS-protocol receiver with configurable SBUS channel output",
	},
	"sbus2": {
		Slug:            "sbus2",
		DisplayName:     "Futaba S.Bus2",
		ChannelCount:    16,
		HasTelemetry:    true,
		DefaultBaudRate: 100000,
		Description:     "Futaba receiver using the S.Bus2 telemetry slot scheme; frames decode as standard SBUS",
	},
}

// GetReceiverModel looks up a receiver model by slug
func GetReceiverModel(slug string) (ReceiverModel, bool) {
	model, ok := SupportedReceiverModels[slug]
	return model, ok
}

// GetAllReceiverModels returns a slice of all supported receiver models
func GetAllReceiverModels() []ReceiverModel {
	models := make([]ReceiverModel, 0, len(SupportedReceiverModels))
	for _, model := range SupportedReceiverModels {
		models = append(models, model)
	}
	return models
}
