package schema

import "reliefsync/internal/model"

type obj = map[string]interface{}

func enum(values ...string) obj {
	list := make([]interface{}, len(values))
	for i, v := range values {
		list[i] = v
	}
	return obj{"type": "string", "enum": list}
}

var geoPoint = obj{
	"type": "object",
	"properties": obj{
		"lat": obj{"type": "number", "minimum": -90, "maximum": 90},
		"lng": obj{"type": "number", "minimum": -180, "maximum": 180},
	},
	"required": []interface{}{"lat", "lng"},
}

func builtinSchemas() map[string]obj {
	return map[string]obj{
		model.CollectionAidRequests: {
			"type": "object",
			"properties": obj{
				"requesterName": obj{"type": "string", "minLength": 1},
				"householdSize": obj{"type": "integer", "minimum": 1},
				"aidTypes":      obj{"type": "object"},
				"urgency": enum(
					string(model.UrgencyLow), string(model.UrgencyMedium), string(model.UrgencyHigh),
				),
				"status": enum(
					string(model.AidStatusRequested), string(model.AidStatusInProgress),
					string(model.AidStatusDelivered), string(model.AidStatusCancelled),
				),
				"rating": obj{"type": "integer", "minimum": 1, "maximum": 5},
			},
			"required": []interface{}{"requesterName", "householdSize", "urgency", "status"},
		},
		model.CollectionEmergencies: {
			"type": "object",
			"properties": obj{
				"disasterType": obj{"type": "string", "minLength": 1},
				"location":     geoPoint,
				"status": enum(
					string(model.EmergencyStatusPending), string(model.EmergencyStatusApproved),
					string(model.EmergencyStatusInProgress), string(model.EmergencyStatusDone),
				),
			},
			"required": []interface{}{"disasterType", "location", "status"},
		},
		model.CollectionDamageReports: {
			"type": "object",
			"properties": obj{
				"description": obj{"type": "string", "minLength": 1},
				"category": enum(
					string(model.DamageInfrastructure), string(model.DamageHousing), string(model.DamageRoad),
					string(model.DamageUtilities), string(model.DamageAgriculture), string(model.DamageOther),
				),
				"severity": enum(
					string(model.SeverityLow), string(model.SeverityMedium),
					string(model.SeverityHigh), string(model.SeverityCritical),
				),
				"location": geoPoint,
				"media":    obj{"type": "array", "items": obj{"type": "string"}},
				"status": enum(
					string(model.ModerationPending), string(model.ModerationApproved),
					string(model.ModerationRejected), string(model.ModerationInProgress),
				),
			},
			"required": []interface{}{"description", "category", "severity", "location"},
		},
		model.CollectionProfiles: {
			"type": "object",
			"properties": obj{
				"name":  obj{"type": "string", "minLength": 1},
				"email": obj{"type": "string", "minLength": 3},
			},
			"required": []interface{}{"name", "email"},
		},
	}
}
