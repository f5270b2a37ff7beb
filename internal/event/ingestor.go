package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"opsdeck/internal/clock"
)

var (
	// ErrUnknownType marks an envelope whose discriminator is outside the
	// accepted event set. Reported, never fatal.
	ErrUnknownType = errors.New("unknown event type")

	// ErrMalformed marks an envelope that failed decoding or schema
	// validation. Reported, never fatal.
	ErrMalformed = errors.New("malformed event")

	// ErrDuplicate marks a message identical to the one already applied
	// for the same entity. Dropped silently.
	ErrDuplicate = errors.New("duplicate event")
)

// Ingestor validates, types and deduplicates raw transport messages.
//
// Reprocessing the same message is idempotent: the second delivery is
// dropped with ErrDuplicate. Out-of-order messages pass through; it is the
// downstream state machines that refuse to regress terminal states.
type Ingestor struct {
	schemas     map[string]*jsonschema.Schema
	lastApplied map[string]string // entity key -> fingerprint of last accepted event
	clock       clock.Clock
	logger      *slog.Logger

	// Discarded counts envelopes dropped as unknown or malformed.
	Discarded int
	// Duplicates counts envelopes dropped as already applied.
	Duplicates int
}

// NewIngestor compiles the payload schemas and returns a ready ingestor.
func NewIngestor(clk clock.Clock, logger *slog.Logger) (*Ingestor, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(payloadSchemas))

	for eventType, source := range payloadSchemas {
		url := "opsdeck://events/" + eventType + ".json"
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema for %s: %w", eventType, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("failed to add schema resource for %s: %w", eventType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", eventType, err)
		}
		schemas[eventType] = schema
	}

	return &Ingestor{
		schemas:     schemas,
		lastApplied: make(map[string]string),
		clock:       clk,
		logger:      logger,
	}, nil
}

// Ingest turns one raw transport message into a typed event.
//
// Returns ErrUnknownType or ErrMalformed for discarded messages (the
// caller reports these to the observability sink) and ErrDuplicate for
// idempotent redeliveries (dropped silently).
func (in *Ingestor) Ingest(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		in.Discarded++
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformed, err)
	}
	return in.IngestEnvelope(env)
}

// IngestEnvelope processes an already-decoded envelope. Used by transport
// adapters that build envelopes directly (e.g. the webhook translator).
func (in *Ingestor) IngestEnvelope(env Envelope) (Event, error) {
	schema, known := in.schemas[env.Type]
	if !known {
		in.Discarded++
		in.logger.Warn("Discarding event with unknown type", "type", env.Type)
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) == 0 {
		in.Discarded++
		return nil, fmt.Errorf("%w: empty payload for type %q", ErrMalformed, env.Type)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(env.Payload))
	if err != nil {
		in.Discarded++
		return nil, fmt.Errorf("%w: invalid payload JSON: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		in.Discarded++
		in.logger.Warn("Discarding event that failed validation", "type", env.Type, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = in.clock.Now()
	}

	ev, err := decodePayload(env.Type, env.Payload, ts)
	if err != nil {
		in.Discarded++
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	key := ev.EntityKey()
	fp := ev.Fingerprint()
	if in.lastApplied[key] == fp {
		in.Duplicates++
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	in.lastApplied[key] = fp

	return ev, nil
}

// decodePayload unmarshals the validated payload into its typed variant
// and stamps the event timestamp.
func decodePayload(eventType string, payload json.RawMessage, ts time.Time) (Event, error) {
	switch eventType {
	case TypeDeploymentStatus:
		var ev DeploymentStatus
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeDeploymentTriggered:
		var ev DeploymentTriggered
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeUserActivity:
		var ev UserActivity
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeMention:
		var ev Mention
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeRoleChange:
		var ev RoleChange
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeSystem:
		var ev System
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeCollabInvite:
		var ev CollabInvite
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeCollabAccept, TypeCollabDecline, TypeCollabLeave, TypeCollabClose:
		var ev CollabMember
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Verb = eventType
		ev.Timestamp = ts
		return ev, nil

	case TypeCollabEdit:
		var ev CollabEdit
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	case TypeCollabCursor:
		var ev CollabCursor
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		return ev, nil

	default:
		return nil, fmt.Errorf("no decoder for type %q", eventType)
	}
}
