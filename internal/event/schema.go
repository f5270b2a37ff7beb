package event

// JSON Schemas for every accepted payload shape, compiled once at ingestor
// construction. Validation failures are reported and the message dropped.

const (
	schemaDeploymentStatus = `{
		"type": "object",
		"required": ["id", "status", "branch", "commit"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"project": {"type": "string"},
			"environment": {"enum": ["development", "staging", "production"]},
			"status": {"enum": ["pending", "building", "success", "failed", "cancelled"]},
			"url": {"type": "string"},
			"branch": {"type": "string"},
			"commit": {"type": "string"},
			"logs": {"type": "array", "items": {"type": "string"}},
			"error": {"type": "string"}
		}
	}`

	schemaDeploymentTriggered = `{
		"type": "object",
		"required": ["id", "trigger", "branch", "commit", "author"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"project": {"type": "string"},
			"environment": {"enum": ["development", "staging", "production"]},
			"trigger": {"enum": ["manual", "webhook"]},
			"branch": {"type": "string"},
			"commit": {"type": "string"},
			"author": {"type": "string"},
			"message": {"type": "string"}
		}
	}`

	schemaUserActivity = `{
		"type": "object",
		"required": ["project", "userId", "location", "action"],
		"properties": {
			"project": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1},
			"location": {"type": "string", "minLength": 1},
			"action": {"enum": ["viewing", "editing"]}
		}
	}`

	schemaMention = `{
		"type": "object",
		"required": ["userId", "actor", "message"],
		"properties": {
			"project": {"type": "string"},
			"userId": {"type": "string", "minLength": 1},
			"actor": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"location": {"type": "string"}
		}
	}`

	schemaRoleChange = `{
		"type": "object",
		"required": ["project", "userId", "role"],
		"properties": {
			"project": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1},
			"role": {"type": "string", "minLength": 1}
		}
	}`

	schemaSystem = `{
		"type": "object",
		"required": ["title", "message"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"priority": {"enum": ["low", "medium", "high"]}
		}
	}`

	schemaCollabInvite = `{
		"type": "object",
		"required": ["sessionId", "project", "filePath", "ownerId", "invitees"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"project": {"type": "string", "minLength": 1},
			"filePath": {"type": "string", "minLength": 1},
			"ownerId": {"type": "string", "minLength": 1},
			"invitees": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}`

	schemaCollabMember = `{
		"type": "object",
		"required": ["sessionId", "userId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1}
		}
	}`

	schemaCollabEdit = `{
		"type": "object",
		"required": ["sessionId", "userId", "content"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		}
	}`

	schemaCollabCursor = `{
		"type": "object",
		"required": ["sessionId", "userId", "position"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1},
			"position": {"type": "integer", "minimum": 0}
		}
	}`
)

// payloadSchemas maps each event type to its payload schema source.
var payloadSchemas = map[string]string{
	TypeDeploymentStatus:    schemaDeploymentStatus,
	TypeDeploymentTriggered: schemaDeploymentTriggered,
	TypeUserActivity:        schemaUserActivity,
	TypeMention:             schemaMention,
	TypeRoleChange:          schemaRoleChange,
	TypeSystem:              schemaSystem,
	TypeCollabInvite:        schemaCollabInvite,
	TypeCollabAccept:        schemaCollabMember,
	TypeCollabDecline:       schemaCollabMember,
	TypeCollabLeave:         schemaCollabMember,
	TypeCollabClose:         schemaCollabMember,
	TypeCollabEdit:          schemaCollabEdit,
	TypeCollabCursor:        schemaCollabCursor,
}
