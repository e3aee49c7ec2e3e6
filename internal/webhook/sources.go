package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

// Source describes how to read and apply callbacks from one provider.
type Source struct {
	Name string

	// ExternalID returns the provider's event id, or "".
	ExternalID func(p map[string]any) string
	// Variant separates deliveries that share an external id, such as the
	// successive statuses of one message. It only feeds the dedup key.
	Variant func(p map[string]any) string
	// EventType returns the event type when the URL does not carry one.
	EventType func(p map[string]any) string
	// Resolve finds the id of the record the event is about, or "".
	Resolve func(ctx context.Context, records store.RecordStore, p map[string]any) (string, error)
	// Apply mutates the narrow field subset the source owns. r is nil when
	// no record matched.
	Apply func(r *model.Record, p map[string]any, now time.Time) error
}

// SMSSource handles message delivery status callbacks. Delivered and failed
// messages bump the record's delivery counters.
func SMSSource(fp *fingerprint.Generator) Source {
	return Source{
		Name: "sms",
		ExternalID: func(p map[string]any) string {
			return pick(p, "message_sid", "MessageSid", "sid", "id")
		},
		// One message reports several statuses over its life.
		Variant: smsStatus,
		EventType: func(p map[string]any) string {
			if s := smsStatus(p); s != "" {
				return "message." + s
			}
			return "message.status"
		},
		Resolve: func(ctx context.Context, records store.RecordStore, p map[string]any) (string, error) {
			e164, _, err := fp.Phone(pick(p, "to", "To", "phone"))
			if err != nil {
				return "", nil
			}
			r, err := records.FindRecordByPhone(ctx, e164)
			if err != nil || r == nil {
				return "", err
			}
			return r.ID, nil
		},
		Apply: func(r *model.Record, p map[string]any, now time.Time) error {
			status := smsStatus(p)
			if status == "" {
				return invalid("sms", "missing message status")
			}
			if r == nil {
				return nil
			}
			switch status {
			case "delivered":
				r.SMSDelivered++
			case "failed", "undelivered":
				r.SMSFailed++
			default:
				return nil
			}
			r.UpdatedAt = now
			return nil
		},
	}
}

// TrustHubSource handles trust/compliance profile status changes.
func TrustHubSource() Source {
	return Source{
		Name: "trust_hub",
		ExternalID: func(p map[string]any) string {
			if id := pick(p, "event_id", "EventSid"); id != "" {
				return id
			}
			return trustSID(p)
		},
		Variant: func(p map[string]any) string {
			if pick(p, "event_id", "EventSid") != "" {
				return ""
			}
			return pick(p, "status", "Status")
		},
		EventType: func(map[string]any) string { return "trust_product.status" },
		Resolve: func(ctx context.Context, records store.RecordStore, p map[string]any) (string, error) {
			sid := trustSID(p)
			if sid == "" {
				return "", nil
			}
			r, err := records.FindRecordByTrustSID(ctx, sid)
			if err != nil || r == nil {
				return "", err
			}
			return r.ID, nil
		},
		Apply: func(r *model.Record, p map[string]any, now time.Time) error {
			status := pick(p, "status", "Status")
			if status == "" {
				return invalid("trust_hub", "missing status")
			}
			if r == nil {
				return nil
			}
			r.Attributes.TrustStatus = status
			if r.Attributes.TrustSID == "" {
				r.Attributes.TrustSID = trustSID(p)
			}
			r.UpdatedAt = now
			return nil
		},
	}
}

func smsStatus(p map[string]any) string {
	return strings.ToLower(pick(p, "message_status", "MessageStatus", "status"))
}

func trustSID(p map[string]any) string {
	return pick(p, "trust_product_sid", "TrustProductSid", "sid")
}

func invalid(source, msg string) error {
	return resilience.NewProviderError(source, resilience.ClassInvalidInput, 0, msg)
}

// pick returns the first non-empty string value among keys.
func pick(p map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprint(v)
		}
	}
	return ""
}
