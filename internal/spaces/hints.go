package spaces

import "github.com/haven-home/haven/internal/models"

func floatPtr(v float64) *float64 { return &v }

// DomainCommandHints is the property catalogue's default command shapes. An
// adapter may refine these per source (narrower enum, tighter range); the
// overlay is "adapter wins per key, domain fills gaps".
func DomainCommandHints(property models.Property) map[string]models.CommandField {
	switch property {
	case models.PropertyIllumination:
		return map[string]models.CommandField{
			"on": {Type: models.FieldBoolean, Description: "Switch the light on or off"},
			"brightness": {
				Type:        models.FieldNumber,
				Description: "Brightness percentage",
				Min:         floatPtr(0),
				Max:         floatPtr(100),
			},
		}
	case models.PropertyClimate:
		return map[string]models.CommandField{
			"targetTemperature": {
				Type:        models.FieldNumber,
				Description: "Target temperature in degrees Celsius",
				Min:         floatPtr(5),
				Max:         floatPtr(35),
			},
			"mode": {
				Type:             models.FieldString,
				Description:      "Operating mode",
				EnumeratedValues: []string{"off", "heat", "cool", "auto"},
			},
		}
	case models.PropertyAccess:
		return map[string]models.CommandField{
			"locked": {Type: models.FieldBoolean, Description: "Lock or unlock"},
		}
	case models.PropertyMedia:
		return map[string]models.CommandField{
			"playing": {Type: models.FieldBoolean, Description: "Play or pause"},
			"volume": {
				Type:        models.FieldNumber,
				Description: "Volume percentage",
				Min:         floatPtr(0),
				Max:         floatPtr(100),
			},
		}
	case models.PropertyPower:
		return map[string]models.CommandField{
			"on": {Type: models.FieldBoolean, Description: "Switch power on or off"},
		}
	case models.PropertySchedule:
		return map[string]models.CommandField{
			"event": {Type: models.FieldObject, Description: "Event payload to create or update"},
		}
	default:
		return nil
	}
}
